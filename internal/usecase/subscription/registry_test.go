package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moonrpc/internal/domain"
)

func newTestRegistry() *Registry {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func notification(method string) domain.Notification {
	return domain.Notification{Method: method, Params: json.RawMessage(`{"temp":50}`)}
}

func TestDispatchExactTopic(t *testing.T) {
	reg := newTestRegistry()

	var got []string
	reg.Subscribe("notify_status_update", func(_ context.Context, n domain.Notification) error {
		got = append(got, string(n.Params))
		return nil
	})

	assert.Equal(t, 1, reg.Dispatch(context.Background(), notification("notify_status_update")))
	assert.Equal(t, 0, reg.Dispatch(context.Background(), notification("notify_gcode_response")))
	assert.Equal(t, []string{`{"temp":50}`}, got)
}

func TestDispatchOrderWithFailingHandler(t *testing.T) {
	reg := newTestRegistry()

	var order []string
	reg.Subscribe("notify_status_update", func(context.Context, domain.Notification) error {
		order = append(order, "first")
		return errors.New("observer failed")
	})
	reg.Subscribe("notify_status_update", func(context.Context, domain.Notification) error {
		order = append(order, "second")
		return nil
	})

	reg.Dispatch(context.Background(), notification("notify_status_update"))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestDispatchRecoversPanic(t *testing.T) {
	reg := newTestRegistry()

	var calls atomic.Int32
	reg.Subscribe("m", func(context.Context, domain.Notification) error {
		panic("boom")
	})
	reg.Subscribe("m", func(context.Context, domain.Notification) error {
		calls.Add(1)
		return nil
	})

	require.NotPanics(t, func() {
		reg.Dispatch(context.Background(), notification("m"))
	})
	assert.Equal(t, int32(1), calls.Load())
}

func TestWildcardInterleavesInRegistrationOrder(t *testing.T) {
	reg := newTestRegistry()

	var order []string
	record := func(name string) domain.NotificationHandler {
		return func(context.Context, domain.Notification) error {
			order = append(order, name)
			return nil
		}
	}
	reg.Subscribe(Wildcard, record("all-1"))
	reg.Subscribe("m", record("m-1"))
	reg.Subscribe(Wildcard, record("all-2"))
	reg.Subscribe("other", record("other"))

	reg.Dispatch(context.Background(), notification("m"))
	assert.Equal(t, []string{"all-1", "m-1", "all-2"}, order)

	order = nil
	reg.Dispatch(context.Background(), notification("unseen"))
	assert.Equal(t, []string{"all-1", "all-2"}, order)
}

func TestEmptyTopicMeansWildcard(t *testing.T) {
	reg := newTestRegistry()
	h := reg.Subscribe("", func(context.Context, domain.Notification) error { return nil })
	assert.Equal(t, Wildcard, h.Topic())
	assert.Equal(t, 1, reg.Dispatch(context.Background(), notification("anything")))
}

func TestUnsubscribe(t *testing.T) {
	reg := newTestRegistry()

	var calls atomic.Int32
	h := reg.Subscribe("m", func(context.Context, domain.Notification) error {
		calls.Add(1)
		return nil
	})
	require.True(t, h.Valid())

	reg.Dispatch(context.Background(), notification("m"))
	assert.True(t, reg.Unsubscribe(h))
	assert.False(t, reg.Unsubscribe(h))
	reg.Dispatch(context.Background(), notification("m"))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, reg.Len())
}

func TestUnsubscribeFromInsideHandler(t *testing.T) {
	reg := newTestRegistry()

	var h Handle
	var calls atomic.Int32
	h = reg.Subscribe("m", func(context.Context, domain.Notification) error {
		calls.Add(1)
		reg.Unsubscribe(h)
		return nil
	})

	reg.Dispatch(context.Background(), notification("m"))
	reg.Dispatch(context.Background(), notification("m"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestConcurrentSubscribeDispatch(t *testing.T) {
	reg := newTestRegistry()

	var wg sync.WaitGroup
	var calls atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := reg.Subscribe("m", func(context.Context, domain.Notification) error {
				calls.Add(1)
				return nil
			})
			reg.Unsubscribe(h)
		}()
		go func() {
			defer wg.Done()
			reg.Dispatch(context.Background(), notification("m"))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Len())
}

func BenchmarkDispatch(b *testing.B) {
	reg := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < 10; i++ {
		reg.Subscribe("notify_status_update", func(context.Context, domain.Notification) error { return nil })
	}
	ctx := context.Background()
	n := notification("notify_status_update")

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Dispatch(ctx, n)
	}
}
