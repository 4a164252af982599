//go:build time

package dynamicack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xendarboh/pktpipe/pipeline"
)

func TestTimerRetransmitsWithIncreasingIteration(t *testing.T) {
	m := New(Config{MinTimeout: 10 * time.Millisecond, MaxTimeout: 20 * time.Millisecond}, nil, nil)
	defer m.Halt()

	var emitted [][]byte
	mgr := pipeline.NewManager()
	mgr.SetModules([]pipeline.Module{m})
	mgr.SetOnBuildComplete(func(f []byte) { emitted = append(emitted, f) })

	mgr.Build([]byte("payload"))
	require.Len(t, emitted, 1)

	time.Sleep(100 * time.Millisecond)
	require.GreaterOrEqual(t, len(emitted), 3) // original Data + at least 2 Resends

	var sawResend bool
	for i, f := range emitted[1:] {
		require.Equal(t, tagResend, f[0])
		require.Equal(t, uint8(i+1), f[1])
		sawResend = true
	}
	require.True(t, sawResend)
}
