package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/CzarSimon/httputil/logger"
	"github.com/smartbell/call-manager/internal/call"
	"github.com/smartbell/call-manager/internal/media"
	"github.com/smartbell/call-manager/internal/models"
	"github.com/smartbell/call-manager/internal/transport"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("mobile/main")

func main() {
	cfg := getConfig()

	adapter := transport.NewSocketAdapter(transport.Config{URL: cfg.relayURL})
	engine := media.NewPionEngine(cfg.iceServers)

	coordinator := call.NewCoordinator(call.CoordinatorConfig{
		Room:           cfg.cameraCode,
		ClientType:     models.ClientTypeMobile,
		Transport:      adapter,
		Engine:         engine,
		ConnectTimeout: cfg.connectTimeout,
		AutoAccept:     cfg.autoAccept,
	})
	coordinator.OnStatus(func(message string) {
		log.Info("call status: " + message)
	})
	coordinator.OnRing(func(ring models.RingBell) {
		log.Info("doorbell is ringing", zap.String("cameraCode", ring.CameraCode))
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go coordinator.Run(ctx)

	err := coordinator.Start(ctx)
	if err != nil {
		log.Fatal("failed to start coordinator", zap.Error(err))
	}

	log.Info("watching camera", zap.String("cameraCode", cfg.cameraCode))
	runCallControls(ctx, coordinator)
}

// runCallControls accepts a ringing call on SIGUSR1 and hangs up on
// SIGUSR2, standing in for the viewer UI.
func runCallControls(ctx context.Context, coordinator *call.Coordinator) {
	accepts := make(chan os.Signal, 1)
	hangs := make(chan os.Signal, 1)
	signal.Notify(accepts, syscall.SIGUSR1)
	signal.Notify(hangs, syscall.SIGUSR2)

	for {
		select {
		case <-accepts:
			err := coordinator.AcceptCall()
			if err != nil {
				log.Warn("failed to accept call", zap.Error(err))
			}
		case <-hangs:
			err := coordinator.EndCall()
			if err != nil {
				log.Warn("failed to end call", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
