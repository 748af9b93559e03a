package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sidecue/sidecue-core/internal/pcm"
	"github.com/sidecue/sidecue-core/internal/protocol"
)

// wavTap records one source's frames to a WAV file for debugging capture
// problems. Enabled by capture.tap_dir.
type wavTap struct {
	file *os.File
	enc  *wav.Encoder
}

func newWavTap(dir string, source protocol.Source) (*wavTap, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tap dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.wav", source, time.Now().Format("20060102-150405"))
	file, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, fmt.Errorf("create tap file: %w", err)
	}
	enc := wav.NewEncoder(file, pcm.SampleRate, 16, pcm.Channels, 1)
	return &wavTap{file: file, enc: enc}, nil
}

func (t *wavTap) Write(data []byte) error {
	samples := pcm.DecodeLE(data)
	buf := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: pcm.Channels, SampleRate: pcm.SampleRate},
		Data:   make([]int, len(samples)),
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	return t.enc.Write(buf)
}

func (t *wavTap) Close() {
	_ = t.enc.Close()
	_ = t.file.Close()
}
