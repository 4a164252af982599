// Command pingpipe is the end-to-end demonstration binary for the
// pktpipe reliable-delivery modules, in the spirit of the teacher's
// ping/ping.go: it round-trips a small request/reply pair through one
// selected module and reports latency.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/natefinch/lumberjack"
	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/xendarboh/pktpipe/transport/lossy"
	"github.com/xendarboh/pktpipe/transport/quicpipe"
)

func newLogger(logFile string) *log.Logger {
	var w io.Writer = os.Stderr
	if logFile != "" {
		w = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     7, // days
		}
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          "pingpipe",
	})
}

func main() {
	var cfgPath, module, addr, logFile string

	root := &cobra.Command{
		Use:   "pingpipe",
		Short: "Round-trip a ping through a pktpipe reliable-delivery module.",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "optional TOML config file")
	root.PersistentFlags().StringVar(&module, "module", "stream", "ack|dynamicack|stream|dynamicstream")
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:4433", "QUIC listen/dial address")
	root.PersistentFlags().StringVar(&logFile, "log-file", "", "rotate logs to this file instead of stderr")

	loadConfig := func() (Config, error) {
		cfg := Config{Module: module, Addr: addr, LogFile: logFile}
		if cfgPath == "" {
			return cfg, nil
		}
		fileCfg, err := LoadConfig(cfgPath)
		if err != nil {
			return cfg, err
		}
		if fileCfg.Module != "" {
			cfg.Module = fileCfg.Module
		}
		if fileCfg.Addr != "" {
			cfg.Addr = fileCfg.Addr
		}
		if fileCfg.LogFile != "" {
			cfg.LogFile = fileCfg.LogFile
		}
		cfg.TimeoutMS = fileCfg.TimeoutMS
		cfg.MinTimeoutMS = fileCfg.MinTimeoutMS
		cfg.MaxTimeoutMS = fileCfg.MaxTimeoutMS
		cfg.TimeoutMultiplier = fileCfg.TimeoutMultiplier
		cfg.ReceiveBufferSize = fileCfg.ReceiveBufferSize
		return cfg, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "demo",
		Short: "Run an in-process round trip over an in-memory link that drops nothing (no networking).",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogFile)
			return runDemo(cfg, logger)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Listen for one QUIC connection and respond to pings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogFile)
			return runServe(cmd.Context(), cfg, logger)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "dial",
		Short: "Connect over QUIC and send pings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogFile)
			return runDial(cmd.Context(), cfg, logger)
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDemo(cfg Config, logger *log.Logger) error {
	serverMgr, err := buildManager(cfg.Module, cfg, logger.WithPrefix("server"), nil)
	if err != nil {
		return err
	}
	clientMgr, err := buildManager(cfg.Module, cfg, logger.WithPrefix("client"), nil)
	if err != nil {
		return err
	}

	linkToServer := lossy.NewLink(0, serverMgr.Read)
	linkToClient := lossy.NewLink(0, clientMgr.Read)

	clientMgr.SetOnBuildComplete(linkToServer.Send)
	serverMgr.SetOnBuildComplete(linkToClient.Send)

	newResponder(serverMgr, logger.WithPrefix("server"))
	pinger := newPinger(clientMgr, logger.WithPrefix("client"))

	for i := 0; i < 5; i++ {
		if err := pinger.ping(); err != nil {
			return err
		}
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	return nil
}

func runServe(ctx context.Context, cfg Config, logger *log.Logger) error {
	conn, err := quicpipe.Listen(ctx, cfg.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	mgr, err := buildManager(cfg.Module, cfg, logger, nil)
	if err != nil {
		return err
	}
	mgr.SetOnBuildComplete(func(frame []byte) {
		if err := conn.WriteFrame(frame); err != nil {
			logger.Errorf("pingpipe: write: %v", err)
		}
	})
	newResponder(mgr, logger)

	id := xid.New()
	logger.Infof("pingpipe: serving connection %s", id.String())
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		mgr.Read(frame)
	}
}

func runDial(ctx context.Context, cfg Config, logger *log.Logger) error {
	conn, err := quicpipe.Dial(ctx, cfg.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	mgr, err := buildManager(cfg.Module, cfg, logger, nil)
	if err != nil {
		return err
	}
	mgr.SetOnBuildComplete(func(frame []byte) {
		if err := conn.WriteFrame(frame); err != nil {
			logger.Errorf("pingpipe: write: %v", err)
		}
	})
	pinger := newPinger(mgr, logger)

	go func() {
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				logger.Errorf("pingpipe: read: %v", err)
				return
			}
			mgr.Read(frame)
		}
	}()

	id := xid.New()
	logger.Infof("pingpipe: dialed connection %s", id.String())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := pinger.ping(); err != nil {
				return err
			}
		}
	}
}
