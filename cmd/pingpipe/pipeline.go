package main

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xendarboh/pktpipe/metrics"
	"github.com/xendarboh/pktpipe/modules/ack"
	"github.com/xendarboh/pktpipe/modules/dynamicack"
	"github.com/xendarboh/pktpipe/modules/dynamicstream"
	"github.com/xendarboh/pktpipe/modules/stream"
	"github.com/xendarboh/pktpipe/pipeline"
)

// buildManager wires exactly one reliable-delivery module into a fresh
// Manager, selected by name, matching cmd/pingpipe's
// --module=ack|dynamicack|stream|dynamicstream flag.
func buildManager(name string, cfg Config, logger *log.Logger, reg prometheus.Registerer) (*pipeline.Manager, error) {
	mm := metrics.NewModuleMetrics(reg, "pktpipe", name)

	var mod pipeline.Module
	switch name {
	case "ack":
		mod = ack.New(ack.Config{
			Timeout: msOrDefault(cfg.TimeoutMS, 0),
		}, logger, mm)
	case "dynamicack":
		mod = dynamicack.New(dynamicack.Config{
			MinTimeout: msOrDefault(cfg.MinTimeoutMS, 0),
			MaxTimeout: msOrDefault(cfg.MaxTimeoutMS, 0),
			Multiplier: cfg.TimeoutMultiplier,
		}, logger, mm)
	case "stream":
		mod = stream.New(stream.Config{
			Timeout:           msOrDefault(cfg.TimeoutMS, 0),
			ReceiveBufferSize: cfg.ReceiveBufferSize,
		}, logger, mm)
	case "dynamicstream":
		mod = dynamicstream.New(dynamicstream.Config{
			MinTimeout:        msOrDefault(cfg.MinTimeoutMS, 0),
			MaxTimeout:        msOrDefault(cfg.MaxTimeoutMS, 0),
			Multiplier:        cfg.TimeoutMultiplier,
			ReceiveBufferSize: cfg.ReceiveBufferSize,
		}, logger, mm)
	default:
		return nil, fmt.Errorf("pingpipe: unknown module %q", name)
	}

	mgr := pipeline.NewManager()
	mgr.SetModules([]pipeline.Module{mod})
	return mgr, nil
}
