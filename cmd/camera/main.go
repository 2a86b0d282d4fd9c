package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/logger"
	_ "github.com/go-sql-driver/mysql"
	"github.com/smartbell/call-manager/internal/call"
	"github.com/smartbell/call-manager/internal/device"
	"github.com/smartbell/call-manager/internal/media"
	"github.com/smartbell/call-manager/internal/models"
	"github.com/smartbell/call-manager/internal/repository"
	"github.com/smartbell/call-manager/internal/transport"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("camera/main")

func main() {
	cfg := getConfig()

	adapter := transport.NewSocketAdapter(transport.Config{URL: cfg.relayURL})
	engine := media.NewPionEngine(cfg.iceServers)
	capture := media.NewSampleCapture()

	controller := device.NewController(device.Config{
		CameraCode:  cfg.cameraCode,
		Capture:     capture,
		Constraints: cfg.constraints,
		Emit:        adapter.Emit,
	})

	records := setupRecords(cfg)

	coordinator := call.NewCoordinator(call.CoordinatorConfig{
		Room:           cfg.cameraCode,
		ClientType:     models.ClientTypeCamera,
		Transport:      adapter,
		Engine:         engine,
		Device:         controller,
		Records:        records,
		ConnectTimeout: cfg.connectTimeout,
	})
	coordinator.OnStatus(func(message string) {
		log.Info("call status: " + message)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go coordinator.Run(ctx)

	err := coordinator.Start(ctx)
	if err != nil {
		log.Fatal("failed to start coordinator", zap.Error(err))
	}

	err = coordinator.PowerOn()
	if err != nil {
		log.Error("failed to power on camera", zap.Error(err))
	}

	log.Info("camera ready", zap.String("cameraCode", cfg.cameraCode))
	runDoorbell(ctx, coordinator)
}

// runDoorbell rings the bell on SIGUSR1, standing in for the hardware
// button on the device.
func runDoorbell(ctx context.Context, coordinator *call.Coordinator) {
	presses := make(chan os.Signal, 1)
	signal.Notify(presses, syscall.SIGUSR1)

	for {
		select {
		case <-presses:
			log.Info("doorbell pressed")
			err := coordinator.RingDoorbell()
			if err != nil {
				log.Warn("failed to ring doorbell", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func setupRecords(cfg config) repository.CallRecordRepository {
	if !cfg.recordCalls {
		return nil
	}

	db := dbutil.MustConnect(cfg.db)
	err := dbutil.Upgrade(cfg.migrationsPath, cfg.db.Driver(), db)
	if err != nil {
		log.Fatal("failed to apply database migrations", zap.Error(err))
	}

	return repository.NewCallRecordRepository(db)
}
