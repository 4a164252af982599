package ack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xendarboh/pktpipe/pipeline"
	"github.com/xendarboh/pktpipe/wireutil"
)

// wire builds a one-module Manager around a fresh Acknowledgement module
// and records whatever it emits downward/upward.
func wire(t *testing.T, cfg Config) (mgr *pipeline.Manager, delivered *[][]byte, emitted *[][]byte) {
	t.Helper()
	m := New(cfg, nil, nil)
	t.Cleanup(m.Halt)

	delivered = &[][]byte{}
	emitted = &[][]byte{}

	mgr = pipeline.NewManager()
	mgr.SetModules([]pipeline.Module{m})
	mgr.SetOnReadComplete(func(msg []byte) { *delivered = append(*delivered, msg) })
	mgr.SetOnBuildComplete(func(frame []byte) { *emitted = append(*emitted, frame) })
	return mgr, delivered, emitted
}

func TestBuildFramesAsData(t *testing.T) {
	mgr, _, emitted := wire(t, Config{})
	mgr.Build([]byte("hello"))

	require.Len(t, *emitted, 1)
	require.Equal(t, tagData, (*emitted)[0][0])
	require.Equal(t, []byte("hello"), (*emitted)[0][1:])
}

func TestReadDataDeliversUpwardAndEmitsAcknowledge(t *testing.T) {
	mgr, delivered, emitted := wire(t, Config{})

	frame := append([]byte{tagData}, []byte("payload")...)
	mgr.Read(frame)

	require.Equal(t, [][]byte{[]byte("payload")}, *delivered)
	require.Len(t, *emitted, 1)
	require.Equal(t, tagAcknowledge, (*emitted)[0][0])
}

func TestAcknowledgeRemovesPendingEntrySoTimerStopsResending(t *testing.T) {
	mgr, _, emitted := wire(t, Config{Timeout: 20 * time.Millisecond})

	mgr.Build([]byte("payload"))
	require.Len(t, *emitted, 1)

	h := wireutil.Hash([]byte("payload"))
	ackFrame := append([]byte{tagAcknowledge}, h[:]...)
	mgr.Read(ackFrame)

	time.Sleep(80 * time.Millisecond)
	// Only the original Data frame should have been emitted; the
	// acknowledged entry must not be retransmitted.
	require.Len(t, *emitted, 1)
}

func TestMalformedFramesAreSilentlyDropped(t *testing.T) {
	mgr, delivered, emitted := wire(t, Config{})

	require.NotPanics(t, func() {
		mgr.Read(nil)
		mgr.Read([]byte{0x01})          // short acknowledge
		mgr.Read([]byte{0xEE, 1, 2, 3}) // unknown tag
	})
	require.Empty(t, *delivered)
	require.Empty(t, *emitted)
}

func TestUnknownAcknowledgeHashIsIgnored(t *testing.T) {
	mgr, _, _ := wire(t, Config{})
	var h [20]byte
	frame := append([]byte{tagAcknowledge}, h[:]...)
	require.NotPanics(t, func() { mgr.Read(frame) })
}

