package log_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"go.vigilo.io/connector/log"
)

func TestZeroHandler(t *testing.T) {
	var buf bytes.Buffer
	ll := log.WithZero(log.ZeroOptions{Sink: &buf})
	ll.WithField("component", "forwarder").Info("started")
	require.Contains(t, buf.String(), "started")
	require.Contains(t, buf.String(), "forwarder")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	ll := log.WithZero(log.ZeroOptions{Sink: &buf})
	ll.SetLevel(log.Error)
	ll.Info("should not appear")
	require.True(t, strings.TrimSpace(buf.String()) == "")
	ll.Error("should appear")
	require.Contains(t, buf.String(), "should appear")
}

func TestDiscard(t *testing.T) {
	ll := log.Discard()
	require.NotPanics(t, func() {
		ll.WithField("k", "v").Debug("ignored")
		ll.Sub(map[string]any{"a": 1}).Info("ignored")
	})
}
