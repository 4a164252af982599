package dynamicstream

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

func msgFrame(idx uint32, payload string) []byte {
	f := []byte{tagMessage}
	f = wireutil.PutUint32(f, idx)
	return append(f, []byte(payload)...)
}

func TestOrderedDeliveryMatchesFixedStreamBehavior(t *testing.T) {
	mgr, delivered, emitted := wire(t, Config{})

	mgr.Read(msgFrame(0, "a"))
	mgr.Read(msgFrame(1, "b"))

	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, *delivered)
	require.Len(t, *emitted, 2)
}

func TestReorderThenGapFillDrainsBuffer(t *testing.T) {
	mgr, delivered, emitted := wire(t, Config{})

	mgr.Read(msgFrame(1, "b"))
	require.Empty(t, *delivered)
	require.Equal(t, tagResend, (*emitted)[0][0])

	mgr.Read(msgFrame(0, "a"))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, *delivered)
}

func TestCumulativeAcknowledgementOfBatchDoesNotPanic(t *testing.T) {
	mgr, _, emitted := wire(t, Config{MaxTimeout: time.Hour})
	mgr.Build([]byte("a"))
	mgr.Build([]byte("b"))
	require.Len(t, *emitted, 2)

	ackFrame := []byte{tagAcknowledgement}
	ackFrame = wireutil.PutUint32(ackFrame, 1)
	require.NotPanics(t, func() { mgr.Read(ackFrame) })
}

func TestResendReemitsUnacknowledgedEntry(t *testing.T) {
	mgr, _, emitted := wire(t, Config{})
	mgr.Build([]byte("a"))
	require.Len(t, *emitted, 1)

	resendFrame := []byte{tagResend}
	resendFrame = wireutil.PutUint32(resendFrame, 0)
	mgr.Read(resendFrame)

	require.Len(t, *emitted, 2)
	require.Equal(t, (*emitted)[0], (*emitted)[1])
}

func TestGapBeyondWindowIsDropped(t *testing.T) {
	mgr, delivered, emitted := wire(t, Config{ReceiveBufferSize: 1})
	mgr.Read(msgFrame(5, "late"))
	require.Empty(t, *delivered)
	require.Empty(t, *emitted)
}

func TestShortFramesAreSilentlyDropped(t *testing.T) {
	mgr, delivered, emitted := wire(t, Config{})
	require.NotPanics(t, func() { mgr.Read([]byte{1, 2}) })
	require.Empty(t, *delivered)
	require.Empty(t, *emitted)
}
