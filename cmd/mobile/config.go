package main

import (
	"strings"
	"time"

	"github.com/CzarSimon/httputil/environ"
	"go.uber.org/zap"
)

type config struct {
	relayURL       string
	cameraCode     string
	iceServers     []string
	autoAccept     bool
	connectTimeout time.Duration
}

func getConfig() config {
	return config{
		relayURL:       environ.MustGet("RELAY_URL"),
		cameraCode:     environ.MustGet("CAMERA_CODE"),
		iceServers:     getICEServers(),
		autoAccept:     environ.Get("AUTO_ACCEPT", "false") == "true",
		connectTimeout: getDuration("CONNECT_TIMEOUT", 30*time.Second),
	}
}

func getICEServers() []string {
	raw := environ.Get("ICE_SERVERS", "stun:stun.l.google.com:19302")
	return strings.Split(raw, ",")
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := environ.Get(key, defaultValue.String())
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatal("failed to parse duration config", zap.String("key", key), zap.Error(err))
	}

	return value
}
