package event

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelStream_Notify(t *testing.T) {
	s := NewChannelStream[int, string]("id", 4, func(e int) (string, bool) {
		if e < 0 {
			return "", false
		}
		return strconv.Itoa(e), true
	})
	require.Equal(t, "id", s.ID())

	require.NoError(t, s.Notify(1, time.Second))
	require.NoError(t, s.Notify(-1, time.Second))
	require.NoError(t, s.Notify(2, time.Second))

	require.Equal(t, "1", <-s.Channel())
	require.Equal(t, "2", <-s.Channel())

	s.Close()
	s.Close()
	require.True(t, s.IsClosed())
	require.ErrorIs(t, s.Notify(3, time.Second), ErrStreamClosed)

	_, ok := <-s.Channel()
	require.False(t, ok)
}

func TestChannelStream_TimeoutClosesStream(t *testing.T) {
	s := NewChannelStream[int, int]("id", 1, func(e int) (int, bool) {
		return e, true
	})

	require.NoError(t, s.Notify(1, time.Millisecond))
	require.Error(t, s.Notify(2, 10*time.Millisecond))
	require.True(t, s.IsClosed())

	require.Equal(t, 1, <-s.Channel())
	_, ok := <-s.Channel()
	require.False(t, ok)
}

func TestChannelStream_CloseInterruptsBlockedNotify(t *testing.T) {
	s := NewChannelStream[int, int]("id", 1, func(e int) (int, bool) {
		return e, true
	})
	require.NoError(t, s.Notify(1, time.Millisecond))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Notify(2, time.Minute)
	}()

	// Let the sender block on the full buffer.
	time.Sleep(20 * time.Millisecond)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close blocked behind a pending notify")
	}

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("notify was not interrupted")
	}

	require.Equal(t, 1, <-s.Channel())
	_, ok := <-s.Channel()
	require.False(t, ok)
}
