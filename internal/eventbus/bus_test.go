package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubBus struct {
	err  error
	last string
}

func (s *stubBus) Emit(ctx context.Context, address, event string, payload any) error {
	s.last = event
	return s.err
}

func TestLoggingBusSwallowsInnerError(t *testing.T) {
	inner := &stubBus{err: errors.New("no subscribers")}
	b := NewLoggingBus(inner)

	err := b.Emit(context.Background(), "disp_1", "dispatch.offer", map[string]any{"ok": true})
	require.NoError(t, err)
	require.Equal(t, "dispatch.offer", inner.last)
}

func TestLoggingBusPropagatesNoErrorOnSuccess(t *testing.T) {
	inner := &stubBus{}
	b := NewLoggingBus(inner)

	err := b.Emit(context.Background(), "disp_1", "dispatch.assigned", nil)
	require.NoError(t, err)
}
