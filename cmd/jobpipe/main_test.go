package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/giraone/jobpipe/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	var names []string
	for _, c := range newRootCommand().Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"schedule", "materialize", "submit"})
}

func TestRootCommand_ConfigErrors(t *testing.T) {
	_, err := execute(t, "submit", "-p", "V001", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to load config")

	path := filepath.Join(t.TempDir(), "jobpipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agents: []\n"), 0o600))
	_, err = execute(t, "submit", "-p", "V001", "-c", path)
	assert.ErrorContains(t, err, "agent")
}

func TestSubmit_Flags(t *testing.T) {
	_, err := execute(t, "submit")
	assert.ErrorContains(t, err, "process")

	_, err = execute(t, "submit", "-p", "V001", "-n", "0")
	assert.ErrorContains(t, err, "count must be positive")
}

func TestNewMetrics(t *testing.T) {
	a := &app{cfg: &config.Config{Metrics: config.MetricsConfig{Backend: config.MetricsPrometheus, Namespace: "jobpipe"}}}
	metrics, handler := a.newMetrics()
	require.NotNil(t, metrics)
	require.NotNil(t, handler)

	a.cfg.Metrics.Backend = config.MetricsNone
	_, handler = a.newMetrics()
	assert.Nil(t, handler)
}

func TestServeHTTP_ShutsDownWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveHTTP(ctx, addr, http.NotFoundHandler(), zap.NewNop())
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
