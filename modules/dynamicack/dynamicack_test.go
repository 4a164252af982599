package dynamicack

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xendarboh/pktpipe/pipeline"
	"github.com/xendarboh/pktpipe/wireutil"
)

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

func TestBuildEmitsDataAtIterationZero(t *testing.T) {
	mgr, _, emitted := wire(t, Config{})
	mgr.Build([]byte("hello"))

	require.Len(t, *emitted, 1)
	require.Equal(t, tagData, (*emitted)[0][0])
}

func TestReadDataDeliversAndRepliesWithIterationZeroAck(t *testing.T) {
	mgr, delivered, emitted := wire(t, Config{})

	frame := append([]byte{tagData}, []byte("payload")...)
	mgr.Read(frame)

	require.Equal(t, [][]byte{[]byte("payload")}, *delivered)
	require.Len(t, *emitted, 1)
	require.Equal(t, tagAcknowledge, (*emitted)[0][0])
	require.Equal(t, uint8(0), (*emitted)[0][1])
}

func TestResendDeliversPayloadAndAcksAtReceivedIteration(t *testing.T) {
	mgr, delivered, emitted := wire(t, Config{})

	frame := append([]byte{tagResend, 3}, []byte("payload")...)
	mgr.Read(frame)

	require.Equal(t, [][]byte{[]byte("payload")}, *delivered)
	require.Equal(t, uint8(3), (*emitted)[0][1])
}

func TestAckAtIterationZeroForPendingPayloadDoesNotPanic(t *testing.T) {
	mgr, _, emitted := wire(t, Config{MaxTimeout: time.Hour})
	mgr.Build([]byte("payload"))
	require.Len(t, *emitted, 1)

	h := wireutil.Hash([]byte("payload"))
	ackFrame := append([]byte{tagAcknowledge, 0}, h[:]...)
	require.NotPanics(t, func() { mgr.Read(ackFrame) })
}

func TestAckWithOutOfRangeIterationDoesNotPanic(t *testing.T) {
	mgr, _, emitted := wire(t, Config{})
	mgr.Build([]byte("payload"))
	require.Len(t, *emitted, 1)

	h := wireutil.Hash([]byte("payload"))
	ackFrame := append([]byte{tagAcknowledge, 250}, h[:]...)
	require.NotPanics(t, func() { mgr.Read(ackFrame) })
}

func TestAckRemovesPendingEntrySoTimerStopsResending(t *testing.T) {
	mgr, _, emitted := wire(t, Config{MinTimeout: 5 * time.Millisecond, MaxTimeout: 30 * time.Millisecond})
	mgr.Build([]byte("payload"))
	require.Len(t, *emitted, 1)

	h := wireutil.Hash([]byte("payload"))
	ackFrame := append([]byte{tagAcknowledge, 0}, h[:]...)
	mgr.Read(ackFrame)

	time.Sleep(100 * time.Millisecond)
	require.Len(t, *emitted, 1) // just the original Data frame; no resend followed the ack
}

func TestMalformedFramesAreSilentlyDropped(t *testing.T) {
	mgr, delivered, emitted := wire(t, Config{})
	require.NotPanics(t, func() {
		mgr.Read(nil)
		mgr.Read([]byte{tagResend})
		mgr.Read([]byte{tagAcknowledge, 0})
		mgr.Read([]byte{0xEE})
	})
	require.Empty(t, *delivered)
	require.Empty(t, *emitted)
}
