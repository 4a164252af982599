// Package dynamicstream implements the DynamicStream module: the same
// sequence-numbered sliding-window reliable ordered stream as
// modules/stream, but with an adaptive timeout derived from acknowledgement
// latency (spec.md §4.5). The wire format and receiver-side logic are
// unchanged from modules/stream; only the sender's retransmission timing
// differs.
//
// Wire format: identical to modules/stream.
//
//	Message:         0x00 | index:u32le | payload
//	Acknowledgement: 0x01 | index:u32le
//	Resend:          0x02 | (index:u32le){k}
//
// Grounded the same way as modules/stream (teacher's stream/stream.go),
// with the RTT-sampling idea carried over from client2/arq.go's
// ReplyETA/SentAt bookkeeping, here taking the minimum sample across a
// cumulative-ack batch per spec.md §4.5's stated rationale.
package dynamicstream

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

	minFrameLen = 5

	defaultMultiplier        = 2
	defaultMinTimeout        = time.Millisecond
	defaultMaxTimeout        = 500 * time.Millisecond
	defaultReceiveBufferSize = 50

	tickInterval = time.Millisecond
)

// Config is the DynamicStream module's configuration surface (spec.md §6).
type Config struct {
	MinTimeout        time.Duration
	MaxTimeout        time.Duration
	Multiplier        float64
	ReceiveBufferSize uint32
}

func (c Config) withDefaults() Config {
	if c.MinTimeout <= 0 {
		c.MinTimeout = defaultMinTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = defaultMaxTimeout
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaultMultiplier
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

// Module is the DynamicStream transformer.
type Module struct {
	pipeline.Position
	worker.Worker

	mu sync.Mutex

	sendIndex    uint32
	ackIndex     uint32
	receiveIndex uint32

	unacknowledged map[uint32]*unackedPacket
	receiveBuffer  map[uint32][]byte

	// timeout is the current adaptive sample. Zero means "no sample yet"
	// (spec.md §4.5).
	timeout time.Duration

	cfg     Config
	log     *log.Logger
	metrics *metrics.ModuleMetrics
}

// New constructs and starts a DynamicStream module. log and mm may be nil.
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

// Read dispatches an inbound frame by tag. Identical receiver logic to
// modules/stream.
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

func (m *Module) handleMessage(idx uint32, payload []byte) {
	m.mu.Lock()

	if idx < m.receiveIndex {
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
			m.log.Debugf("dynamicstream: dropping out-of-window index %d (receive_index=%d)", idx, m.receiveIndex)
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

// handleAcknowledgement removes every unacknowledged index covered by the
// cumulative ack and derives a new adaptive timeout sample as the minimum
// per-packet RTT observed in this batch (spec.md §4.5): the smallest
// sample is closest to true one-way RTT under batched cumulative acks and
// avoids the inflation caused by late sends. Each sample is measured against
// the entry's sentTime, which handleResend and timerLoop refresh on every
// re-emission, so a retransmitted entry is sampled against its most recent
// transmission rather than its original send.
func (m *Module) handleAcknowledgement(idx uint32) {
	m.mu.Lock()
	if idx < m.ackIndex {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	var minSample time.Duration
	haveSample := false
	for i := m.ackIndex; i <= idx; i++ {
		p, ok := m.unacknowledged[i]
		if !ok {
			continue
		}
		sample := now.Sub(p.sentTime)
		if !haveSample || sample < minSample {
			minSample = sample
			haveSample = true
		}
		delete(m.unacknowledged, i)
	}
	m.ackIndex = idx + 1
	if haveSample {
		m.timeout = minSample
	}
	n := len(m.unacknowledged)
	m.mu.Unlock()
	m.metrics.SetPending(n)
}

// handleResend re-emits every still-unacknowledged requested index and
// refreshes its send time so the next RTT sample remains meaningful
// (spec.md §4.5).
func (m *Module) handleResend(indexBytes []byte) {
	count := len(indexBytes) / 4
	var frames [][]byte
	now := time.Now()
	m.mu.Lock()
	for i := 0; i < count; i++ {
		idx := wireutil.Uint32(indexBytes[i*4 : i*4+4])
		if idx < m.ackIndex {
			continue
		}
		if p, ok := m.unacknowledged[idx]; ok {
			frames = append(frames, p.framed)
			p.sentTime = now
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
		m.log.Debugf("dynamicstream: dropping malformed frame: %s", why)
	}
}

// timerLoop retransmits the most recently sent unacknowledged packet once
// elapsed >= max_timeout, or once a dynamic sample exists and
// elapsed >= timeout*multiplier (subject to min_timeout), per spec.md
// §4.5.
func (m *Module) timerLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
		}

		now := time.Now()
		var frame []byte
		m.mu.Lock()
		if m.sendIndex > 0 {
			if p, ok := m.unacknowledged[m.sendIndex-1]; ok {
				elapsed := now.Sub(p.sentTime)
				fire := elapsed >= m.cfg.MaxTimeout
				if !fire && m.timeout > 0 {
					effective := time.Duration(float64(m.timeout) * m.cfg.Multiplier)
					if effective >= m.cfg.MinTimeout && elapsed >= effective {
						fire = true
					}
				}
				if fire {
					frame = p.framed
					p.sentTime = now
				}
			}
		}
		m.mu.Unlock()

		if frame != nil {
			m.metrics.Retransmission()
			m.ContinueBuild(frame)
		}
	}
}
