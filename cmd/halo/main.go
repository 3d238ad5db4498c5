// Command halo runs one Chord ring node: it wires the Transport
// Adapter, Message Handler, and Stabilizer together around one
// NodeState, and shuts them down on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/viyer28/halo/internal/broker"
	"github.com/viyer28/halo/internal/config"
	"github.com/viyer28/halo/internal/dht"
	"github.com/viyer28/halo/internal/handler"
	"github.com/viyer28/halo/internal/herrors"
	"github.com/viyer28/halo/internal/message"
	"github.com/viyer28/halo/internal/stabilizer"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		zap.NewNop().Sugar().Fatalw("invalid configuration", "err", err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Debug {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := broker.Dial(ctx, cfg.NodeName, cfg.PubEndpoint, cfg.RouterEndpoint, log)
	if err != nil {
		log.Fatalw("failed dialing broker", "err", err)
	}
	defer b.Close()

	state := dht.New(cfg.NodeName, len(cfg.Peers))

	stab := stabilizer.New(state, b, log, time.Now().UnixNano())
	var stabilizerStarted bool
	startStabilizer := func() {
		if stabilizerStarted {
			return
		}
		stabilizerStarted = true
		go stab.Run(ctx)
	}

	h := handler.New(state, b, cfg.Peers, log, startStabilizer)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	recvErrs := make(chan error, 1)
	go func() {
		for {
			m, err := b.Recv()
			if errors.Is(err, message.ErrUnknownType) {
				log.Warnw("discarding message with unrecognized type")
				continue
			}
			if err != nil {
				recvErrs <- err
				return
			}
			h.Handle(ctx, m)
		}
	}()

	log.Infow("node started", "name", cfg.NodeName, "peers", cfg.Peers)

	select {
	case <-stop:
		log.Infow("shutdown signal received")
	case err := <-recvErrs:
		switch {
		case errors.Is(err, herrors.ErrProtocolViolation):
			log.Fatalw("protocol violation, aborting", "err", err)
		case errors.Is(err, herrors.ErrTransportFatal):
			log.Fatalw("transport failure, aborting", "err", err)
		default:
			log.Fatalw("unexpected broker error, aborting", "err", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	cancel()
	<-shutdownCtx.Done()
}
