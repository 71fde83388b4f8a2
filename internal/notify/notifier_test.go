package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	name   string
	SendFn func(ctx context.Context, title, message string) error

	mu    sync.Mutex
	calls []string
}

func (f *fakeSender) Send(ctx context.Context, title, message string) error {
	f.mu.Lock()
	f.calls = append(f.calls, title)
	f.mu.Unlock()
	if f.SendFn != nil {
		return f.SendFn(ctx, title, message)
	}
	return nil
}

func (f *fakeSender) Name() string { return f.name }

func (f *fakeSender) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifyFiltersByEvent(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, []string{EventDistribution, EventError}, discardLogger())

	require.NoError(t, n.Notify(context.Background(), EventRollover, "rolled", "ignored"))
	require.Empty(t, sender.Calls())

	require.NoError(t, n.Notify(context.Background(), EventDistribution, "distributed", "body"))
	require.Equal(t, []string{"distributed"}, sender.Calls())
}

func TestNotifyEmptyFilterAllowsAll(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{name: "fake"}
	n := NewNotifier([]Sender{sender}, nil, discardLogger())

	require.NoError(t, n.Notify(context.Background(), EventYield, "yield", "body"))
	require.NoError(t, n.Notify(context.Background(), EventRedemption, "redeemed", "body"))
	require.Len(t, sender.Calls(), 2)
}

func TestDispatchContinuesPastFailedSender(t *testing.T) {
	t.Parallel()

	failing := &fakeSender{
		name:   "broken",
		SendFn: func(context.Context, string, string) error { return errors.New("boom") },
	}
	working := &fakeSender{name: "ok"}

	n := NewNotifier([]Sender{failing, working}, nil, discardLogger())

	err := n.NotifyAll(context.Background(), "title", "body")
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken")

	// The healthy sender still received the notification.
	require.Equal(t, []string{"title"}, working.Calls())
}

func TestNotifyNoSenders(t *testing.T) {
	t.Parallel()

	n := NewNotifier(nil, nil, discardLogger())
	require.NoError(t, n.NotifyAll(context.Background(), "title", "body"))
}
