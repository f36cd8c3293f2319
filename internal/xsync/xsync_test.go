package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())

	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()
	l.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Trigger")
	}
	require.True(t, l.Test())

	// Triggering again is a no-op.
	l.Trigger()
	l.Wait()
}
