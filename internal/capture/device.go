package capture

import (
	"errors"

	"github.com/sidecue/sidecue-core/internal/config"
	"github.com/sidecue/sidecue-core/internal/protocol"
)

var (
	// ErrAlreadyRunning is returned when Start is called while a capture
	// session is active.
	ErrAlreadyRunning = errors.New("capture session already running")
	// ErrDeviceUnavailable is returned when the local input device cannot
	// be acquired. Remote acquisition failure is not fatal and never
	// surfaces as this error from Start.
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	errDeviceClosed = errors.New("device closed")
)

// Device is one acquired audio input. Read blocks on the platform audio
// clock and fills buf with float samples in [-1, 1].
type Device interface {
	Read(buf []float32) error
	Close() error
}

// Opener acquires the device for a source. Backends: portaudio for real
// hardware, mock for tests and machines without audio.
type Opener func(source protocol.Source, cfg config.CaptureConfig) (Device, error)

// OpenerFor selects the configured backend.
func OpenerFor(cfg config.CaptureConfig) (Opener, error) {
	switch cfg.Backend {
	case "mock":
		return OpenMock, nil
	case "portaudio":
		return OpenPortAudio, nil
	default:
		return nil, errors.New("unknown capture backend: " + cfg.Backend)
	}
}
