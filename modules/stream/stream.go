// Package stream implements the Stream module: a sequence-numbered
// sliding-window reliable ordered stream with a fixed retransmission
// timeout (spec.md §4.4).
//
// Wire format:
//
//	Message:         0x00 | index:u32le | payload
//	Acknowledgement: 0x01 | index:u32le          // cumulative
//	Resend:          0x02 | (index:u32le){k}     // k >= 0 missing indices
//
// Grounded in the teacher's stream/stream.go (Frame{Type, Ack, Payload},
// f_write_idx/f_read_idx/f_ack_idx counters, a sliding stream_window_size,
// a retx/timerqueue-driven resend of unacknowledged frames), adapted from
// katzenpost's encrypted mixnet Frame to this protocol's unencrypted,
// explicit-Resend wire format and exact cumulative-ack semantics
// (spec.md §4.4 steps 1-4).
package stream

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xendarboh/pktpipe/internal/worker"
	"github.com/xendarboh/pktpipe/metrics"
	"github.com/xendarboh/pktpipe/pipeline"
	"github.com/xendarboh/pktpipe/wireutil"
)

const (
	tagMessage         byte = 0x00
	tagAcknowledgement byte = 0x01
	tagResend          byte = 0x02

	// minFrameLen: "stream read silently ignores inputs shorter than 5
	// bytes" (spec.md §6).
	minFrameLen = 5

	defaultTimeout           = 50 * time.Millisecond
	defaultReceiveBufferSize = 50

	// tickInterval is the background scan cadence (spec.md §5: "1ms for
	// the stream modules").
	tickInterval = time.Millisecond
)

// Config is the Stream module's configuration surface (spec.md §6).
type Config struct {
	Timeout           time.Duration
	ReceiveBufferSize uint32
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = defaultReceiveBufferSize
	}
	return c
}

type unackedPacket struct {
	framed   []byte
	sentTime time.Time
}

// Module is the Stream transformer.
type Module struct {
	pipeline.Position
	worker.Worker

	mu sync.Mutex

	sendIndex    uint32
	ackIndex     uint32
	receiveIndex uint32

	unacknowledged map[uint32]*unackedPacket
	receiveBuffer  map[uint32][]byte

	lastSentTime time.Time
	lastSentSet  bool

	cfg     Config
	log     *log.Logger
	metrics *metrics.ModuleMetrics
}

// New constructs and starts a Stream module. log and mm may be nil.
func New(cfg Config, logger *log.Logger, mm *metrics.ModuleMetrics) *Module {
	m := &Module{
		unacknowledged: make(map[uint32]*unackedPacket),
		receiveBuffer:  make(map[uint32][]byte),
		cfg:            cfg.withDefaults(),
		log:            logger,
		metrics:        mm,
	}
	m.Go(m.timerLoop)
	return m
}

// Build frames payload with the next send index, stores it as
// unacknowledged, emits it, and advances send_index.
func (m *Module) Build(payload []byte) {
	m.mu.Lock()
	idx := m.sendIndex
	framed := frameMessage(idx, payload)
	m.unacknowledged[idx] = &unackedPacket{framed: framed, sentTime: time.Now()}
	m.lastSentTime = time.Now()
	m.lastSentSet = true
	m.sendIndex++
	n := len(m.unacknowledged)
	m.mu.Unlock()

	m.metrics.SetPending(n)
	m.metrics.Sent("message")
	m.ContinueBuild(framed)
}

func frameMessage(idx uint32, payload []byte) []byte {
	f := make([]byte, 0, 5+len(payload))
	f = append(f, tagMessage)
	f = wireutil.PutUint32(f, idx)
	f = append(f, payload...)
	return f
}

func frameAcknowledgement(idx uint32) []byte {
	f := make([]byte, 0, 5)
	f = append(f, tagAcknowledgement)
	f = wireutil.PutUint32(f, idx)
	return f
}

func frameResend(indices []uint32) []byte {
	f := make([]byte, 0, 1+4*len(indices))
	f = append(f, tagResend)
	for _, i := range indices {
		f = wireutil.PutUint32(f, i)
	}
	return f
}

// Read dispatches an inbound frame by tag. Frames shorter than 5 bytes are
// silently dropped regardless of tag (spec.md §6).
func (m *Module) Read(frame []byte) {
	if len(frame) < minFrameLen {
		m.logMalformed("short frame")
		return
	}
	idx := wireutil.Uint32(frame[1:5])
	switch frame[0] {
	case tagMessage:
		m.metrics.Received("message")
		m.handleMessage(idx, frame[5:])
	case tagAcknowledgement:
		m.metrics.Received("ack")
		m.handleAcknowledgement(idx)
	case tagResend:
		m.metrics.Received("resend")
		m.handleResend(frame[1:])
	default:
		m.logMalformed("unknown tag")
	}
}

// handleMessage implements spec.md §4.4's four-way receiver branch.
func (m *Module) handleMessage(idx uint32, payload []byte) {
	m.mu.Lock()

	if idx < m.receiveIndex {
		// Sender is behind our cumulative ack; remind it.
		ack := frameAcknowledgement(m.receiveIndex - 1)
		m.mu.Unlock()
		m.metrics.Sent("ack")
		m.ContinueBuild(ack)
		return
	}

	if idx-m.receiveIndex > m.cfg.ReceiveBufferSize {
		m.mu.Unlock()
		m.metrics.DropOutOfWindow()
		if m.log != nil {
			m.log.Debugf("stream: dropping out-of-window index %d (receive_index=%d)", idx, m.receiveIndex)
		}
		return
	}

	if idx == m.receiveIndex {
		delivered := [][]byte{payload}
		cur := idx
		for {
			next := cur + 1
			p, ok := m.receiveBuffer[next]
			if !ok {
				break
			}
			delete(m.receiveBuffer, next)
			delivered = append(delivered, p)
			cur = next
		}
		m.receiveIndex = cur + 1
		ack := frameAcknowledgement(cur)
		m.mu.Unlock()

		for _, p := range delivered {
			m.ContinueRead(p)
		}
		m.metrics.Sent("ack")
		m.ContinueBuild(ack)
		return
	}

	// Gap: buffer it and ask for everything still missing in between.
	m.receiveBuffer[idx] = payload
	var missing []uint32
	for i := m.receiveIndex; i <= idx; i++ {
		if _, ok := m.receiveBuffer[i]; !ok {
			missing = append(missing, i)
		}
	}
	m.mu.Unlock()

	resend := frameResend(missing)
	m.metrics.Sent("resend")
	m.ContinueBuild(resend)
}

func (m *Module) handleAcknowledgement(idx uint32) {
	m.mu.Lock()
	if idx < m.ackIndex {
		m.mu.Unlock()
		return
	}
	for i := m.ackIndex; i <= idx; i++ {
		delete(m.unacknowledged, i)
	}
	m.ackIndex = idx + 1
	n := len(m.unacknowledged)
	m.mu.Unlock()
	m.metrics.SetPending(n)
}

func (m *Module) handleResend(indexBytes []byte) {
	count := len(indexBytes) / 4
	var frames [][]byte
	m.mu.Lock()
	for i := 0; i < count; i++ {
		idx := wireutil.Uint32(indexBytes[i*4 : i*4+4])
		if idx < m.ackIndex {
			continue
		}
		if p, ok := m.unacknowledged[idx]; ok {
			frames = append(frames, p.framed)
		}
	}
	m.mu.Unlock()

	for _, f := range frames {
		m.metrics.Retransmission()
		m.ContinueBuild(f)
	}
}

func (m *Module) logMalformed(why string) {
	m.metrics.DropMalformed()
	if m.log != nil {
		m.log.Debugf("stream: dropping malformed frame: %s", why)
	}
}

// timerLoop retransmits the most recently sent unacknowledged packet once
// its age exceeds the fixed timeout. Only the most recent packet is
// timer-driven; earlier gaps are covered by the receiver-driven Resend
// path (spec.md §4.4).
func (m *Module) timerLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
		}

		var frame []byte
		now := time.Now()
		m.mu.Lock()
		if m.lastSentSet && now.Sub(m.lastSentTime) >= m.cfg.Timeout && m.sendIndex > 0 {
			if p, ok := m.unacknowledged[m.sendIndex-1]; ok {
				frame = p.framed
				m.lastSentTime = now
			}
		}
		m.mu.Unlock()

		if frame != nil {
			m.metrics.Retransmission()
			m.ContinueBuild(frame)
		}
	}
}
