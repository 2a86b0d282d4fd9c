package main

import (
	"net/http"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/logger"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("relay/main")

func main() {
	e := setupEnv()
	defer e.close()

	server := newServer(e)
	log.Info("Started relay listening on port: " + e.cfg.port)

	err := server.ListenAndServe()
	if err != nil {
		log.Error("Unexpected error stoped server.", zap.Error(err))
	}
}

func newServer(e *env) *http.Server {
	r := httputil.NewRouter("relay", e.checkHealth)

	r.GET("/v1/rooms/socket", e.connectClient)
	r.GET("/v1/rooms/:room/presence", e.roomPresence)

	return &http.Server{
		Addr:    ":" + e.cfg.port,
		Handler: r,
	}
}
