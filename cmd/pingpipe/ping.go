package main

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fxamacker/cbor/v2"

	"github.com/xendarboh/pktpipe/pipeline"
)

// PingRequest and PingReply are the application messages carried as
// opaque payloads through the pipeline (spec.md §3: "no module interprets
// payload bytes above its own header"). They are CBOR-encoded, mirroring
// ping/ping.go's and client2/thin.go's use of
// github.com/fxamacker/cbor/v2 to frame application messages before
// handing them to the stack.
type PingRequest struct {
	Seq    uint64
	SentAt time.Time
}

type PingReply struct {
	Seq uint64
}

// pinger drives one side of the demo: it calls Build with successive
// CBOR-encoded PingRequests and measures round-trip latency as replies
// arrive via OnReadComplete, in the spirit of ping/ping.go's
// sendPing/sendPings.
type pinger struct {
	mgr *pipeline.Manager
	log *log.Logger

	mu      sync.Mutex
	sentAt  map[uint64]time.Time
	nextSeq uint64
}

func newPinger(mgr *pipeline.Manager, logger *log.Logger) *pinger {
	p := &pinger{mgr: mgr, log: logger, sentAt: make(map[uint64]time.Time)}
	mgr.SetOnReadComplete(p.onReply)
	return p
}

func (p *pinger) ping() error {
	p.mu.Lock()
	seq := p.nextSeq
	p.nextSeq++
	now := time.Now()
	p.sentAt[seq] = now
	p.mu.Unlock()

	blob, err := cbor.Marshal(PingRequest{Seq: seq, SentAt: now})
	if err != nil {
		return err
	}
	p.mgr.Build(blob)
	return nil
}

func (p *pinger) onReply(message []byte) {
	var reply PingReply
	if err := cbor.Unmarshal(message, &reply); err != nil {
		if p.log != nil {
			p.log.Warnf("pingpipe: dropping undecodable reply: %v", err)
		}
		return
	}

	p.mu.Lock()
	sentAt, ok := p.sentAt[reply.Seq]
	if ok {
		delete(p.sentAt, reply.Seq)
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	if p.log != nil {
		p.log.Infof("pingpipe: seq=%d rtt=%s", reply.Seq, time.Since(sentAt))
	}
}

// responder drives the other side: it decodes each PingRequest and
// immediately Builds a PingReply carrying the same sequence number.
type responder struct {
	mgr *pipeline.Manager
	log *log.Logger
}

func newResponder(mgr *pipeline.Manager, logger *log.Logger) *responder {
	r := &responder{mgr: mgr, log: logger}
	mgr.SetOnReadComplete(r.onRequest)
	return r
}

func (r *responder) onRequest(message []byte) {
	var req PingRequest
	if err := cbor.Unmarshal(message, &req); err != nil {
		if r.log != nil {
			r.log.Warnf("pingpipe: dropping undecodable request: %v", err)
		}
		return
	}
	blob, err := cbor.Marshal(PingReply{Seq: req.Seq})
	if err != nil {
		if r.log != nil {
			r.log.Errorf("pingpipe: encoding reply: %v", err)
		}
		return
	}
	r.mgr.Build(blob)
}
