//go:build time

package dynamicstream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xendarboh/pktpipe/pipeline"
)

func TestTimerRetransmitsMostRecentUnacknowledgedPacket(t *testing.T) {
	m := New(Config{MinTimeout: 5 * time.Millisecond, MaxTimeout: 30 * time.Millisecond}, nil, nil)
	defer m.Halt()

	var emitted [][]byte
	mgr := pipeline.NewManager()
	mgr.SetModules([]pipeline.Module{m})
	mgr.SetOnBuildComplete(func(f []byte) { emitted = append(emitted, f) })

	mgr.Build([]byte("payload"))
	require.Len(t, emitted, 1)

	time.Sleep(100 * time.Millisecond)
	require.GreaterOrEqual(t, len(emitted), 2)
}
