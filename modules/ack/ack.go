// Package ack implements the Acknowledgement module: hash-keyed
// stop-and-go retransmission with a fixed timeout (spec.md §4.2).
//
// Wire format:
//
//	Data:        0x00 | payload
//	Acknowledge: 0x01 | sha1(payload)   // 20 bytes
//
// Grounded in client2/arq.go's ARQ (the surbIDMap of in-flight messages,
// the lock-guarded resend on timer fire, the Has/HandleAck-style removal)
// adapted from SURB-ID keys to SHA-1-of-payload keys per spec.md §3.
package ack

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
	tagAcknowledge byte = 0x01

	// defaultTimeout is the fixed resend interval (spec.md §4.2).
	defaultTimeout = 500 * time.Millisecond

	// tickInterval is the background scan cadence (spec.md §5: "10ms for
	// the acknowledgement modules").
	tickInterval = 10 * time.Millisecond
)

// Config is the Acknowledgement module's configuration surface
// (spec.md §6: "{timeout_ms: int}").
type Config struct {
	// Timeout is the fixed resend interval. Zero means defaultTimeout.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// pending is one outstanding sent message, keyed by SHA-1(original
// payload) in Module.pending.
type pending struct {
	framed   []byte // already-framed Data bytes, ready to resend verbatim
	lastSent time.Time
}

// Module is the Acknowledgement transformer.
type Module struct {
	pipeline.Position
	worker.Worker

	mu      sync.Mutex
	pending map[[wireutil.HashSize]byte]*pending

	cfg     Config
	log     *log.Logger
	metrics *metrics.ModuleMetrics
}

// New constructs and starts an Acknowledgement module. log and mm may be
// nil.
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

// Build frames payload as Data, records a Pending entry keyed by
// SHA-1(payload), and continues the build downward.
func (m *Module) Build(payload []byte) {
	framed := make([]byte, 0, 1+len(payload))
	framed = append(framed, tagData)
	framed = append(framed, payload...)

	h := wireutil.Hash(payload)
	m.mu.Lock()
	m.pending[h] = &pending{framed: framed, lastSent: time.Now()}
	n := len(m.pending)
	m.mu.Unlock()
	m.metrics.SetPending(n)
	m.metrics.Sent("data")

	m.ContinueBuild(framed)
}

// Read handles an inbound frame: Data is delivered upward and acked;
// Acknowledge removes the matching pending entry, if any. Malformed or
// unknown-tag frames are silently dropped.
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

		ackFrame := make([]byte, 0, 1+wireutil.HashSize)
		ackFrame = append(ackFrame, tagAcknowledge)
		h := wireutil.Hash(payload)
		ackFrame = append(ackFrame, h[:]...)
		m.metrics.Sent("ack")
		m.ContinueBuild(ackFrame)

	case tagAcknowledge:
		if len(frame) < 1+wireutil.HashSize {
			m.logMalformed("short acknowledge")
			return
		}
		m.metrics.Received("ack")
		var h [wireutil.HashSize]byte
		copy(h[:], frame[1:1+wireutil.HashSize])

		m.mu.Lock()
		_, ok := m.pending[h]
		if ok {
			delete(m.pending, h)
		}
		n := len(m.pending)
		m.mu.Unlock()
		if ok {
			m.metrics.SetPending(n)
		}

	default:
		m.logMalformed("unknown tag")
	}
}

func (m *Module) logMalformed(why string) {
	m.metrics.DropMalformed()
	if m.log != nil {
		m.log.Debugf("ack: dropping malformed frame: %s", why)
	}
}

// timerLoop periodically re-emits any pending entry whose age exceeds the
// configured timeout. It snapshots the pending set before re-emitting so
// that ContinueBuild (which may recurse through lower modules) never runs
// while the map's mutex is held (spec.md §5).
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
		var due []*pending
		m.mu.Lock()
		for _, p := range m.pending {
			if now.Sub(p.lastSent) >= m.cfg.Timeout {
				p.lastSent = now
				due = append(due, p)
			}
		}
		m.mu.Unlock()

		for _, p := range due {
			m.metrics.Retransmission()
			m.ContinueBuild(p.framed)
		}
	}
}
