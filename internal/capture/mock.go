package capture

import (
	"math"
	"time"

	"github.com/sidecue/sidecue-core/internal/config"
	"github.com/sidecue/sidecue-core/internal/pcm"
	"github.com/sidecue/sidecue-core/internal/protocol"
)

// mockDevice synthesizes a sine tone at the real frame cadence so the rest
// of the pipeline can run on machines without audio hardware.
type mockDevice struct {
	freq   float64
	phase  float64
	tick   time.Duration
	closed chan struct{}
}

func OpenMock(source protocol.Source, _ config.CaptureConfig) (Device, error) {
	freq := 440.0
	if source == protocol.SourceRemote {
		freq = 330.0
	}
	return &mockDevice{
		freq:   freq,
		tick:   time.Duration(pcm.FrameSamples) * time.Second / pcm.SampleRate,
		closed: make(chan struct{}),
	}, nil
}

func (d *mockDevice) Read(buf []float32) error {
	select {
	case <-d.closed:
		return errDeviceClosed
	case <-time.After(d.tick):
	}
	step := 2 * math.Pi * d.freq / pcm.SampleRate
	for i := range buf {
		buf[i] = float32(0.2 * math.Sin(d.phase))
		d.phase += step
	}
	return nil
}

func (d *mockDevice) Close() error {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	return nil
}
