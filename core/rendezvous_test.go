package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRendezvous(t *testing.T) {
	t.Run("recv after send returns immediately", func(t *testing.T) {
		r := NewRendezvous()
		r.Send(1, "edge", NewScalar(5))

		got, err := r.Recv(context.Background(), 1, "edge")
		require.NoError(t, err)
		assert.Equal(t, []float32{5}, got.Floats)
	})

	t.Run("recv blocks until send", func(t *testing.T) {
		r := NewRendezvous()
		done := make(chan *Tensor, 1)

		go func() {
			got, err := r.Recv(context.Background(), 7, "x")
			if err == nil {
				done <- got
			}
		}()

		time.Sleep(10 * time.Millisecond)
		r.Send(7, "x", NewScalar(1))

		select {
		case got := <-done:
			assert.Equal(t, []float32{1}, got.Floats)
		case <-time.After(time.Second):
			t.Fatal("recv did not unblock after send")
		}
	})

	t.Run("steps are isolated", func(t *testing.T) {
		r := NewRendezvous()
		r.Send(1, "edge", NewScalar(1))
		r.Send(2, "edge", NewScalar(2))

		a, err := r.Recv(context.Background(), 1, "edge")
		require.NoError(t, err)
		b, err := r.Recv(context.Background(), 2, "edge")
		require.NoError(t, err)
		assert.Equal(t, []float32{1}, a.Floats)
		assert.Equal(t, []float32{2}, b.Floats)
	})

	t.Run("recv honors context cancellation", func(t *testing.T) {
		r := NewRendezvous()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := r.Recv(ctx, 1, "never")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("abort wakes blocked receivers", func(t *testing.T) {
		r := NewRendezvous()
		closeErr := ErrContextClosed(1)

		done := make(chan error, 1)
		go func() {
			_, err := r.Recv(context.Background(), 3, "pending")
			done <- err
		}()

		time.Sleep(10 * time.Millisecond)
		r.Abort(closeErr)

		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(time.Second):
			t.Fatal("recv did not unblock on abort")
		}

		_, err := r.Recv(context.Background(), 4, "later")
		assert.Error(t, err)
	})

	t.Run("cleanup removes only the given step", func(t *testing.T) {
		r := NewRendezvous()
		r.Send(1, "a", NewScalar(1))
		r.Send(1, "b", NewScalar(2))
		r.Send(2, "a", NewScalar(3))

		removed := r.CleanupStep(1)
		assert.Equal(t, 2, removed)
		assert.Equal(t, 1, r.Len())
	})
}
