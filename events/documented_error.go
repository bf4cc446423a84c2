package events

import (
	"encoding/json"
	"fmt"
)

// Failure classes used as errorText prefixes so error-channel consumers can classify records.
const (
	DeserializationException = "DeserializationException"
	InvalidEventException    = "InvalidEventException"
	ProcessingException      = "ProcessingException"
	RoutingException         = "RoutingException"
	PanicException           = "PanicException"
)

// DocumentedError is written to a stage's error channel for every unexpected failure.
type DocumentedError struct {
	CausedByKey     string `json:"causedByKey"`
	CausedByMessage string `json:"causedByMessage"`
	ErrorText       string `json:"errorText"`
	Stacktrace      string `json:"stacktrace"`
}

// NewDocumentedError builds the record for a failure of the given class.
func NewDocumentedError(key string, raw []byte, class string, err error, stack []byte) DocumentedError {
	text := class
	if err != nil {
		text = fmt.Sprintf("%s: %v", class, err)
	}
	return DocumentedError{
		CausedByKey:     key,
		CausedByMessage: string(raw),
		ErrorText:       text,
		Stacktrace:      text + "\n" + string(stack),
	}
}

// Encode renders the record for the wire.
func (d DocumentedError) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode documented error: %w", err)
	}
	return data, nil
}
