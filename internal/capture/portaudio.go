package capture

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/sidecue/sidecue-core/internal/config"
	"github.com/sidecue/sidecue-core/internal/pcm"
	"github.com/sidecue/sidecue-core/internal/protocol"
)

var (
	paInitOnce sync.Once
	paInitErr  error
)

// portaudioDevice wraps a PortAudio input stream. The local source uses the
// default input device; the remote source matches a loopback/monitor device
// by name substring from config.
type portaudioDevice struct {
	stream *portaudio.Stream
	buf    []float32
}

func OpenPortAudio(source protocol.Source, cfg config.CaptureConfig) (Device, error) {
	paInitOnce.Do(func() { paInitErr = portaudio.Initialize() })
	if paInitErr != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", paInitErr)
	}

	info, err := deviceFor(source, cfg)
	if err != nil {
		return nil, err
	}

	d := &portaudioDevice{buf: make([]float32, pcm.FrameSamples)}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: pcm.Channels,
			Latency:  info.DefaultHighInputLatency,
		},
		SampleRate:      pcm.SampleRate,
		FramesPerBuffer: pcm.FrameSamples,
	}
	stream, err := portaudio.OpenStream(params, d.buf)
	if err != nil {
		return nil, fmt.Errorf("open %s input stream: %w", source, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start %s input stream: %w", source, err)
	}
	d.stream = stream
	return d, nil
}

func deviceFor(source protocol.Source, cfg config.CaptureConfig) (*portaudio.DeviceInfo, error) {
	if source == protocol.SourceLocal {
		info, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return info, nil
	}

	if cfg.RemoteDevice == "" {
		return nil, fmt.Errorf("no remote device configured")
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	needle := strings.ToLower(cfg.RemoteDevice)
	for _, info := range devices {
		if info.MaxInputChannels > 0 && strings.Contains(strings.ToLower(info.Name), needle) {
			return info, nil
		}
	}
	return nil, fmt.Errorf("no input device matching %q", cfg.RemoteDevice)
}

func (d *portaudioDevice) Read(buf []float32) error {
	if err := d.stream.Read(); err != nil {
		return err
	}
	copy(buf, d.buf)
	return nil
}

func (d *portaudioDevice) Close() error {
	if d.stream == nil {
		return nil
	}
	_ = d.stream.Stop()
	return d.stream.Close()
}
