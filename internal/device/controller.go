package device

import (
	"time"

	"github.com/CzarSimon/httputil/logger"
	"github.com/smartbell/call-manager/internal/media"
	"github.com/smartbell/call-manager/internal/models"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/device")

// Emitter sends events to the relay.
type Emitter func(event string, payload interface{}) error

// CallGuard lets the controller terminate an active call when the camera is
// powered off. Power-off always wins over an active call.
type CallGuard interface {
	ForceEndActive(reason string) bool
}

// Config settings for the device controller.
type Config struct {
	CameraCode  string
	Capture     media.Capture
	Constraints media.Constraints
	Emit        Emitter
}

// Controller processes device-level commands and reports status,
// independent of any active call. Methods must be invoked from the owning
// coordinator's event loop.
type Controller struct {
	cameraCode  string
	capture     media.Capture
	constraints media.Constraints
	emit        Emitter
	calls       CallGuard

	online    bool
	poweredOn bool
	streaming bool
	tracks    []media.Track
}

// NewController creates a powered-off controller.
func NewController(cfg Config) *Controller {
	return &Controller{
		cameraCode:  cfg.CameraCode,
		capture:     cfg.Capture,
		constraints: cfg.Constraints,
		emit:        cfg.Emit,
	}
}

// SetCallGuard wires the active-call terminator. Set after construction to
// break the coordinator/controller initialization cycle.
func (c *Controller) SetCallGuard(guard CallGuard) {
	c.calls = guard
}

// PoweredOn reports the camera power state.
func (c *Controller) PoweredOn() bool {
	return c.poweredOn
}

// Tracks returns the acquired local media tracks, nil while powered off.
func (c *Controller) Tracks() []media.Track {
	return c.tracks
}

// Status returns the current device status snapshot.
func (c *Controller) Status() models.DeviceStatus {
	return models.DeviceStatus{
		Online:         c.online,
		PoweredOn:      c.poweredOn,
		Status:         c.statusLabel(),
		LastReportedAt: time.Now().UTC(),
	}
}

func (c *Controller) statusLabel() string {
	switch {
	case !c.online:
		return models.StatusOffline
	case !c.poweredOn:
		return models.StatusOff
	case c.streaming:
		return models.StatusStreaming
	default:
		return models.StatusStandby
	}
}

// HandleControlCommand processes a device command. Recognized commands
// produce exactly one acknowledgement, unknown commands are logged and
// ignored.
func (c *Controller) HandleControlCommand(command models.CameraControl) {
	switch command.Command {
	case models.CommandTurnOn:
		c.turnOn(command.Command)
	case models.CommandTurnOff:
		c.turnOff(command.Command)
	case models.CommandToggle:
		if c.poweredOn {
			c.turnOff(command.Command)
		} else {
			c.turnOn(command.Command)
		}
	default:
		log.Warn("ignoring unknown control command", zap.String("command", command.Command))
	}
}

func (c *Controller) turnOn(command string) {
	if c.poweredOn {
		c.acknowledge(command, true, "camera already on")
		return
	}

	tracks, err := c.acquireWithRetry()
	if err != nil {
		log.Error("failed to acquire capture device", zap.Error(err))
		c.acknowledge(command, false, "failed to start camera: "+err.Error())
		return
	}

	c.tracks = tracks
	c.poweredOn = true
	c.emitPowerEvent(models.EventCameraTurnedOn, "camera turned on")
	c.acknowledge(command, true, "camera turned on")
	c.ReportStatus()
}

// acquireWithRetry attempts the configured constraints and retries once with
// reduced constraints before giving up.
func (c *Controller) acquireWithRetry() ([]media.Track, error) {
	tracks, err := c.capture.Acquire(c.constraints)
	if err == nil {
		return tracks, nil
	}

	log.Warn("capture acquisition failed, retrying with reduced constraints", zap.Error(err))
	tracks, retryErr := c.capture.Acquire(c.constraints.Reduced())
	if retryErr != nil {
		return nil, retryErr
	}

	return tracks, nil
}

func (c *Controller) turnOff(command string) {
	if !c.poweredOn {
		c.acknowledge(command, true, "camera already off")
		return
	}

	if c.calls != nil {
		ended := c.calls.ForceEndActive("camera powered off")
		if ended {
			log.Info("terminated active call on power off")
		}
	}

	err := c.capture.Release()
	if err != nil {
		log.Warn("failed to release capture device", zap.Error(err))
	}

	c.tracks = nil
	c.poweredOn = false
	c.streaming = false
	c.emitPowerEvent(models.EventCameraTurnedOff, "camera turned off")
	c.acknowledge(command, true, "camera turned off")
	c.ReportStatus()
}

// HandleStatusQuery answers an explicit status request.
func (c *Controller) HandleStatusQuery(query models.GetCameraStatus) {
	err := c.emit(models.EventCameraStatusResponse, c.Status().Response(c.cameraCode))
	if err != nil {
		log.Warn("failed to send status response", zap.Error(err))
	}
}

// SetOnline records relay connectivity and reports the change.
func (c *Controller) SetOnline(online bool) {
	if c.online == online {
		return
	}

	c.online = online
	c.ReportStatus()
}

// SetStreaming records whether an active call is consuming the camera feed.
func (c *Controller) SetStreaming(streaming bool) {
	if c.streaming == streaming {
		return
	}

	c.streaming = streaming
	c.ReportStatus()
}

// ReportStatus broadcasts the current status snapshot.
func (c *Controller) ReportStatus() {
	status := c.Status()
	err := c.emit(models.EventCameraStatusUpdate, models.CameraStatusUpdate{
		CameraCode: c.cameraCode,
		IsOnline:   status.Online,
		IsCameraOn: status.PoweredOn,
		Status:     status.Status,
		Timestamp:  models.Timestamp(),
	})
	if err != nil {
		log.Warn("failed to send status update", zap.Error(err))
	}
}

func (c *Controller) acknowledge(command string, success bool, message string) {
	err := c.emit(models.EventCameraControlRes, models.CameraControlResponse{
		CameraCode: c.cameraCode,
		Command:    command,
		Success:    success,
		Message:    message,
		Timestamp:  models.Timestamp(),
	})
	if err != nil {
		log.Warn("failed to send control response",
			zap.String("command", command),
			zap.Error(err))
	}
}

func (c *Controller) emitPowerEvent(event, message string) {
	err := c.emit(event, models.CameraPowerEvent{
		CameraCode: c.cameraCode,
		Success:    true,
		Message:    message,
		Timestamp:  models.Timestamp(),
	})
	if err != nil {
		log.Warn("failed to send power event", zap.Error(err))
	}
}
