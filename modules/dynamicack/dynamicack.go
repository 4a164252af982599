// Package dynamicack implements the DynamicAcknowledgement module:
// hash-keyed retransmission with RTT-adaptive timeout and Karn-style
// disambiguated round-trip sampling (spec.md §4.3).
//
// Wire format:
//
//	Data:        0x00 | payload
//	Resend:      0x01 | iteration:u8 | payload
//	Acknowledge: 0x02 | iteration:u8 | sha1(payload)   // 20 bytes
//
// Grounded in client2/arq.go's ARQ (surbIDMap keyed entries with a
// Retransmissions counter, timer-driven resend(), RTT-derived
// scheduling priority) extended with the per-iteration timestamp list
// spec.md §4.3 requires for Karn disambiguation.
package dynamicack

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
	tagData        byte = 0x00
	tagResend      byte = 0x01
	tagAcknowledge byte = 0x02

	// tickInterval is the background scan cadence (spec.md §5: "10ms for
	// the acknowledgement modules").
	tickInterval = 10 * time.Millisecond
)

// Config is the DynamicAcknowledgement module's configuration surface
// (spec.md §6: "{min_timeout_ms, max_timeout_ms, timeout_multiplier}").
type Config struct {
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Multiplier float64
}

func (c Config) withDefaults() Config {
	if c.MinTimeout <= 0 {
		c.MinTimeout = time.Millisecond
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 1000 * time.Millisecond
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	return c
}

// pending is one outstanding sent message, keyed by SHA-1(payload) in
// Module.pending: the original payload (from which each Resend frame is
// built), the current iteration, the send time of every attempt so far
// (resendTimes[0] is the original send), and the time of the latest attempt.
type pending struct {
	payload     []byte
	iteration   uint8
	resendTimes []time.Time
	lastSent    time.Time
}

// Module is the DynamicAcknowledgement transformer.
type Module struct {
	pipeline.Position
	worker.Worker

	mu      sync.Mutex
	pending map[[wireutil.HashSize]byte]*pending
	timeout time.Duration // zero means "no sample yet"

	cfg     Config
	log     *log.Logger
	metrics *metrics.ModuleMetrics
}

// New constructs and starts a DynamicAcknowledgement module. log and mm may
// be nil.
func New(cfg Config, logger *log.Logger, mm *metrics.ModuleMetrics) *Module {
	m := &Module{
		pending: make(map[[wireutil.HashSize]byte]*pending),
		cfg:     cfg.withDefaults(),
		log:     logger,
		metrics: mm,
	}
	m.Go(m.timerLoop)
	return m
}

// Build frames payload as Data (iteration 0), records a Pending entry, and
// continues the build downward.
func (m *Module) Build(payload []byte) {
	framed := make([]byte, 0, 1+len(payload))
	framed = append(framed, tagData)
	framed = append(framed, payload...)

	now := time.Now()
	h := wireutil.Hash(payload)
	m.mu.Lock()
	m.pending[h] = &pending{
		payload:     payload,
		iteration:   0,
		resendTimes: []time.Time{now},
		lastSent:    now,
	}
	n := len(m.pending)
	m.mu.Unlock()
	m.metrics.SetPending(n)
	m.metrics.Sent("data")

	m.ContinueBuild(framed)
}

// Read handles an inbound frame. Data and Resend both deliver payload
// upward exactly once and reply with an Acknowledge carrying the
// iteration they were received at, so the sender can attribute the
// acknowledgement to the exact transmission attempt that triggered it.
// Acknowledge updates the adaptive timeout via Karn-style disambiguation
// and removes the matching pending entry.
func (m *Module) Read(frame []byte) {
	if len(frame) < 1 {
		m.logMalformed("empty frame")
		return
	}
	switch frame[0] {
	case tagData:
		payload := frame[1:]
		m.metrics.Received("data")
		m.ContinueRead(payload)
		m.sendAck(payload, 0)

	case tagResend:
		if len(frame) < 2 {
			m.logMalformed("short resend")
			return
		}
		iteration := frame[1]
		payload := frame[2:]
		m.metrics.Received("resend")
		m.ContinueRead(payload)
		m.sendAck(payload, iteration)

	case tagAcknowledge:
		if len(frame) < 2+wireutil.HashSize {
			m.logMalformed("short acknowledge")
			return
		}
		m.metrics.Received("ack")
		iteration := frame[1]
		var h [wireutil.HashSize]byte
		copy(h[:], frame[2:2+wireutil.HashSize])
		m.handleAck(h, iteration)

	default:
		m.logMalformed("unknown tag")
	}
}

func (m *Module) sendAck(payload []byte, iteration uint8) {
	h := wireutil.Hash(payload)
	ackFrame := make([]byte, 0, 2+wireutil.HashSize)
	ackFrame = append(ackFrame, tagAcknowledge, iteration)
	ackFrame = append(ackFrame, h[:]...)
	m.metrics.Sent("ack")
	m.ContinueBuild(ackFrame)
}

func (m *Module) handleAck(h [wireutil.HashSize]byte, iteration uint8) {
	m.mu.Lock()
	p, ok := m.pending[h]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, h)
	n := len(m.pending)

	// Karn-style disambiguation: measure RTT against the send time of the
	// exact attempt this acknowledgement is attributed to, never against
	// the original send time if this was a retransmission (spec.md §4.3).
	idx := int(iteration)
	var sample time.Duration
	haveSample := idx >= 0 && idx < len(p.resendTimes)
	if haveSample {
		sample = time.Since(p.resendTimes[idx])
		m.timeout = sample
	}
	m.mu.Unlock()
	m.metrics.SetPending(n)
}

func (m *Module) logMalformed(why string) {
	m.metrics.DropMalformed()
	if m.log != nil {
		m.log.Debugf("dynamicack: dropping malformed frame: %s", why)
	}
}

// effectiveTimeout computes max(min_timeout, timeout*multiplier) when a
// dynamic sample exists, per spec.md §4.3.
func (m *Module) effectiveTimeout() (d time.Duration, haveSample bool) {
	m.mu.Lock()
	timeout := m.timeout
	m.mu.Unlock()
	if timeout <= 0 {
		return 0, false
	}
	effective := time.Duration(float64(timeout) * m.cfg.Multiplier)
	if effective < m.cfg.MinTimeout {
		effective = m.cfg.MinTimeout
	}
	return effective, true
}

// timerLoop scans the pending set every tickInterval. An entry is due for
// retransmission once its age exceeds max_timeout unconditionally, or
// (when a dynamic sample exists) once it exceeds the adaptive effective
// timeout (spec.md §4.3).
func (m *Module) timerLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.HaltCh():
			return
		case <-ticker.C:
		}

		effective, haveSample := m.effectiveTimeout()
		now := time.Now()

		var due []struct {
			hash  [wireutil.HashSize]byte
			frame []byte
		}

		m.mu.Lock()
		for h, p := range m.pending {
			age := now.Sub(p.lastSent)
			fire := age >= m.cfg.MaxTimeout || (haveSample && age >= effective)
			if !fire {
				continue
			}
			p.iteration++
			p.resendTimes = append(p.resendTimes, now)
			p.lastSent = now

			frame := make([]byte, 0, 2+len(p.payload))
			frame = append(frame, tagResend, p.iteration)
			frame = append(frame, p.payload...)
			due = append(due, struct {
				hash  [wireutil.HashSize]byte
				frame []byte
			}{h, frame})
		}
		m.mu.Unlock()

		for _, d := range due {
			m.metrics.Retransmission()
			m.metrics.Sent("resend")
			m.ContinueBuild(d.frame)
		}
	}
}
