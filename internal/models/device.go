package models

import (
	"fmt"
	"time"
)

// Device status labels reported over the wire.
const (
	StatusStreaming = "streaming"
	StatusStandby   = "standby"
	StatusOff       = "off"
	StatusOffline   = "offline"
)

// DeviceStatus snapshot of the camera device health.
type DeviceStatus struct {
	Online         bool
	PoweredOn      bool
	Status         string
	LastReportedAt time.Time
}

func (d DeviceStatus) String() string {
	return fmt.Sprintf(
		"DeviceStatus(online=%v, poweredOn=%v, status=%s, lastReportedAt=%v)",
		d.Online,
		d.PoweredOn,
		d.Status,
		d.LastReportedAt,
	)
}

// Update returns the response payload for a status query.
func (d DeviceStatus) Response(cameraCode string) CameraStatusResponse {
	return CameraStatusResponse{
		CameraCode: cameraCode,
		IsOnline:   d.Online,
		IsCameraOn: d.PoweredOn,
		Status:     d.Status,
	}
}
