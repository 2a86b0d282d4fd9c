package main

import (
	"io"
	"time"

	"github.com/CzarSimon/httputil/jwt"
	"github.com/opentracing/opentracing-go"
	"github.com/smartbell/call-manager/internal/relay"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"go.uber.org/zap"
)

type env struct {
	cfg         config
	hub         *relay.Hub
	verifier    jwt.Verifier
	traceCloser io.Closer
}

func (e *env) checkHealth() error {
	return nil
}

func (e *env) close() {
	err := e.traceCloser.Close()
	if err != nil {
		log.Error("failed to close tracer connection", zap.Error(err))
	}
}

func setupEnv() *env {
	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		log.Fatal("failed to create jaeger configuration", zap.Error(err))
	}

	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		log.Fatal("failed to create tracer", zap.Error(err))
	}

	opentracing.SetGlobalTracer(tracer)

	cfg := getConfig()
	e := &env{
		cfg:         cfg,
		hub:         relay.NewHub(),
		traceCloser: closer,
	}

	if cfg.jwtCredentials.Secret != "" {
		e.verifier = jwt.NewVerifier(cfg.jwtCredentials, time.Minute)
	}

	return e
}
