package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGoRunsAndHaltStopsIt(t *testing.T) {
	var w Worker
	done := make(chan struct{})

	w.Go(func() {
		<-w.HaltCh()
		close(done)
	})

	w.Halt()
	w.Wait()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe halt")
	}
}

func TestHaltIsIdempotent(t *testing.T) {
	var w Worker
	w.Go(func() { <-w.HaltCh() })
	require.NotPanics(t, func() {
		w.Halt()
		w.Halt()
	})
	w.Wait()
}

func TestWaitBlocksUntilAllGoroutinesReturn(t *testing.T) {
	var w Worker
	n := 5
	done := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		w.Go(func() {
			<-w.HaltCh()
			done <- struct{}{}
		})
	}
	w.Halt()
	w.Wait()

	close(done)
	count := 0
	for range done {
		count++
	}
	require.Equal(t, n, count)
}
