package jobpipe

import "github.com/giraone/jobpipe/embedded"

type (
	Message           = embedded.Message
	Disposition       = embedded.Disposition
	Publisher         = embedded.Publisher
	MessageSource     = embedded.MessageSource
	Handler           = embedded.Handler
	Binding           = embedded.Binding
	ProcessingStopper = embedded.ProcessingStopper
	StopperStatus     = embedded.StopperStatus
	MetricsCollector  = embedded.MetricsCollector
	Worker            = embedded.Worker
)

const (
	DispositionAck   = embedded.DispositionAck
	DispositionRetry = embedded.DispositionRetry
)
