package main

import (
	"errors"
	"net/http"

	"github.com/CzarSimon/httputil"
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"go.uber.org/zap"
)

func (e *env) connectClient(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.connectClient")
	defer span.Finish()

	httpErr := e.authorize(c)
	if httpErr != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(httpErr))
		c.Error(httpErr)
		return
	}

	err := e.hub.Connect(ctx, c.Request, c.Writer)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		log.Warn("failed to connect client", zap.Error(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
}

func (e *env) roomPresence(c *gin.Context) {
	span, _ := opentracing.StartSpanFromContext(c.Request.Context(), "controller.roomPresence")
	defer span.Finish()

	room := c.Param("room")
	cameraAvailable, mobileAvailable, err := e.hub.RoomPresence(room)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, gin.H{
		"room":             room,
		"camera_available": cameraAvailable,
		"mobile_available": mobileAvailable,
	})
}

func (e *env) authorize(c *gin.Context) *httputil.Error {
	if e.cfg.jwtCredentials.Secret == "" {
		return nil
	}

	token := c.Query("token")
	if token == "" {
		return httputil.UnauthorizedError(errors.New("missing token"))
	}

	user, err := e.verifier.Verify(token)
	if err != nil {
		return httputil.UnauthorizedError(err)
	}
	if !user.HasRole("USER") {
		return httputil.ForbiddenError(errors.New("missing required role"))
	}

	return nil
}
