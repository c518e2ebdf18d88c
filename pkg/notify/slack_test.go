package notify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierDisabledWithoutBotToken(t *testing.T) {
	n := NewNotifier("", "#ops", discardLogger())
	require.False(t, n.IsEnabled())
}

func TestNotifierDisabledWithoutChannel(t *testing.T) {
	n := NewNotifier("xoxb-token", "", discardLogger())
	require.False(t, n.IsEnabled())
}

func TestNotifierEnabledWithTokenAndChannel(t *testing.T) {
	n := NewNotifier("xoxb-token", "#ops", discardLogger())
	require.True(t, n.IsEnabled())
}

func TestDisabledNotifierMethodsDoNotPanic(t *testing.T) {
	n := NewNotifier("", "", discardLogger())
	ctx := context.Background()
	n.QueueSaturated(ctx, "user:1", 10, 10)
	n.NodeErrorThreshold(ctx, "node-1", 5, 5)
	n.RegistrationTokenPoolExhausted(ctx, "us-east")
}
