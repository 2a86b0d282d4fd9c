package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/environ"
	"github.com/smartbell/call-manager/internal/media"
	"go.uber.org/zap"
)

type config struct {
	relayURL       string
	cameraCode     string
	iceServers     []string
	constraints    media.Constraints
	connectTimeout time.Duration
	recordCalls    bool
	db             dbutil.Config
	migrationsPath string
}

func getConfig() config {
	return config{
		relayURL:       environ.MustGet("RELAY_URL"),
		cameraCode:     environ.MustGet("CAMERA_CODE"),
		iceServers:     getICEServers(),
		constraints:    getConstraints(),
		connectTimeout: getDuration("CONNECT_TIMEOUT", 30*time.Second),
		recordCalls:    environ.Get("RECORD_CALLS", "false") == "true",
		db:             getDBConfig(),
		migrationsPath: environ.Get("MIGRATIONS_PATH", "./resources/db/mysql"),
	}
}

func getICEServers() []string {
	raw := environ.Get("ICE_SERVERS", "stun:stun.l.google.com:19302")
	return strings.Split(raw, ",")
}

func getConstraints() media.Constraints {
	return media.Constraints{
		Width:     getInt("CAPTURE_WIDTH", "1280"),
		Height:    getInt("CAPTURE_HEIGHT", "720"),
		FrameRate: getInt("CAPTURE_FRAME_RATE", "30"),
	}
}

func getDBConfig() dbutil.Config {
	return dbutil.MysqlConfig{
		Host:             environ.Get("DB_HOST", "localhost"),
		Port:             environ.Get("DB_PORT", "3306"),
		Database:         environ.Get("DB_DATABASE", "callmanager"),
		User:             environ.Get("DB_USERNAME", "callmanager"),
		Password:         environ.Get("DB_PASSWORD", ""),
		ConnectionParams: "parseTime=true",
	}
}

func getInt(key, defaultValue string) int {
	value, err := strconv.Atoi(environ.Get(key, defaultValue))
	if err != nil {
		log.Fatal("failed to parse integer config", zap.String("key", key), zap.Error(err))
	}

	return value
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := environ.Get(key, defaultValue.String())
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatal("failed to parse duration config", zap.String("key", key), zap.Error(err))
	}

	return value
}
