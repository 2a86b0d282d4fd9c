package media

import (
	"fmt"
	"sync"

	"github.com/CzarSimon/httputil/id"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// SampleCapture Capture producing pion sample tracks. Encoded frames are fed
// into the tracks by the device binary, the capture only manages ownership
// and track lifecycle.
type SampleCapture struct {
	mu       sync.Mutex
	acquired bool
	video    *webrtc.TrackLocalStaticSample
	audio    *webrtc.TrackLocalStaticSample
}

// NewSampleCapture creates an unacquired capture.
func NewSampleCapture() *SampleCapture {
	return &SampleCapture{}
}

// Acquire opens the capture device. Refused while a previous holder has not
// released it.
func (c *SampleCapture) Acquire(constraints Constraints) ([]Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acquired {
		return nil, ErrCaptureBusy
	}
	if constraints.Width <= 0 || constraints.Height <= 0 {
		return nil, fmt.Errorf("%w: unsatisfiable constraints %dx%d", ErrCaptureUnavailable, constraints.Width, constraints.Height)
	}

	streamID := id.New()
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create video track %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track %w", err)
	}

	c.acquired = true
	c.video = video
	c.audio = audio
	log.Info("acquired capture device",
		zap.Int("width", constraints.Width),
		zap.Int("height", constraints.Height),
		zap.Int("frameRate", constraints.FrameRate))

	return []Track{video, audio}, nil
}

// Release returns the capture device.
func (c *SampleCapture) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.acquired = false
	c.video = nil
	c.audio = nil
	return nil
}

// Acquired reports whether the device is currently held.
func (c *SampleCapture) Acquired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired
}

// VideoTrack returns the active video track for sample feeding.
func (c *SampleCapture) VideoTrack() *webrtc.TrackLocalStaticSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video
}

// AudioTrack returns the active audio track for sample feeding.
func (c *SampleCapture) AudioTrack() *webrtc.TrackLocalStaticSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}
