// Package capture owns the dual-source audio acquisition pipeline: a local
// microphone acquired unconditionally and an optional remote/loopback
// device, each routed through a gain stage and framed into fixed-size PCM
// frames. At most one capture session is live at a time.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sidecue/sidecue-core/internal/config"
	"github.com/sidecue/sidecue-core/internal/pcm"
	"github.com/sidecue/sidecue-core/internal/protocol"
)

const (
	frameChanDepth = 32
	mixQueueDepth  = 8
)

type Engine struct {
	cfg  config.CaptureConfig
	log  *slog.Logger
	open Opener

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	devices map[protocol.Source]Device
	frames  chan protocol.AudioFrame
	taps    map[protocol.Source]*wavTap

	gmu   sync.RWMutex
	gains map[protocol.Source]float32
}

func NewEngine(cfg config.CaptureConfig, open Opener, log *slog.Logger) *Engine {
	return &Engine{
		cfg:  cfg,
		log:  log.With(slog.String("component", "capture")),
		open: open,
		gains: map[protocol.Source]float32{
			protocol.SourceLocal:  float32(cfg.LocalGain),
			protocol.SourceRemote: float32(cfg.RemoteGain),
		},
	}
}

// Start acquires the devices and begins delivering frames on the returned
// channel. Local acquisition failure aborts the start; remote failure
// degrades to local-only capture. The channel is closed by Stop.
func (e *Engine) Start(ctx context.Context) (<-chan protocol.AudioFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil, ErrAlreadyRunning
	}

	local, err := e.open(protocol.SourceLocal, e.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: local: %v", ErrDeviceUnavailable, err)
	}

	remote, err := e.open(protocol.SourceRemote, e.cfg)
	if err != nil {
		e.log.Warn("remote audio unavailable, continuing local-only",
			slog.String("error", err.Error()))
		remote = nil
	}

	e.devices = map[protocol.Source]Device{protocol.SourceLocal: local}
	if remote != nil {
		e.devices[protocol.SourceRemote] = remote
	}

	e.taps = make(map[protocol.Source]*wavTap)
	if e.cfg.TapDir != "" {
		for source := range e.devices {
			tap, err := newWavTap(e.cfg.TapDir, source)
			if err != nil {
				e.log.Warn("failed to open capture tap", slog.String("error", err.Error()))
				continue
			}
			e.taps[source] = tap
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.frames = make(chan protocol.AudioFrame, frameChanDepth)

	var mixLocal, mixRemote chan []float32
	if e.cfg.MixMode == "mixed" {
		mixLocal = make(chan []float32, 4)
		if remote != nil {
			mixRemote = make(chan []float32, 4)
		}
		e.wg.Add(1)
		go e.mixLoop(runCtx, mixLocal, mixRemote)
	}

	e.wg.Add(1)
	go e.captureLoop(runCtx, protocol.SourceLocal, local, mixLocal)
	if remote != nil {
		e.wg.Add(1)
		go e.captureLoop(runCtx, protocol.SourceRemote, remote, mixRemote)
	}

	e.running = true
	e.log.Info("capture session started",
		slog.String("session_id", uuid.NewString()),
		slog.Bool("remote", remote != nil),
		slog.String("mix_mode", e.cfg.MixMode))
	return e.frames, nil
}

// SetSourceLevel adjusts the gain of a source's contribution. Takes effect
// on the next processed frame; no effect if the source was never acquired.
func (e *Engine) SetSourceLevel(source protocol.Source, level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	e.mu.Lock()
	_, acquired := e.devices[source]
	e.mu.Unlock()
	if !acquired {
		e.log.Warn("level change for unacquired source ignored", slog.String("source", string(source)))
		return
	}

	e.gmu.Lock()
	e.gains[source] = float32(level)
	e.gmu.Unlock()
}

// Stop releases all devices and closes the frame channel. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	devices := e.devices
	taps := e.taps
	frames := e.frames
	e.devices = nil
	e.taps = nil
	e.mu.Unlock()

	cancel()
	for _, dev := range devices {
		_ = dev.Close()
	}
	e.wg.Wait()
	close(frames)
	for _, tap := range taps {
		tap.Close()
	}
	e.log.Info("capture session stopped")
}

func (e *Engine) gain(source protocol.Source) float32 {
	e.gmu.RLock()
	defer e.gmu.RUnlock()
	return e.gains[source]
}

func (e *Engine) captureLoop(ctx context.Context, source protocol.Source, dev Device, mix chan<- []float32) {
	defer e.wg.Done()
	// closing the mix channel tells the mixer this source is gone
	defer func() {
		if mix != nil {
			close(mix)
		}
	}()
	buf := make([]float32, pcm.FrameSamples)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := dev.Read(buf); err != nil {
			if ctx.Err() == nil {
				e.log.Warn("device read failed, source stopped",
					slog.String("source", string(source)),
					slog.String("error", err.Error()))
			}
			return
		}

		frame := make([]float32, len(buf))
		copy(frame, buf)
		pcm.Scale(frame, e.gain(source))

		e.emit(ctx, protocol.AudioFrame{
			Source:   source,
			PCM:      pcm.EncodeLE(frame),
			Captured: time.Now(),
		})

		if mix != nil {
			select {
			case mix <- frame:
			case <-ctx.Done():
				return
			default:
				e.log.Warn("mixer backlog, dropping frame", slog.String("source", string(source)))
			}
		}
	}
}

// mixLoop pairs gain-adjusted frames from both sources and emits their sum.
// With no remote source, or once the remote source dies mid-session, the
// local stream passes through unchanged.
func (e *Engine) mixLoop(ctx context.Context, local, remote <-chan []float32) {
	defer e.wg.Done()
	remoteLive := remote != nil
	var lq, rq [][]float32
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-local:
			if !ok {
				return
			}
			lq = e.queueFrame(lq, f, protocol.SourceLocal)
		case f, ok := <-remote: // nil channel when remote absent, never fires
			if !ok {
				remote = nil
				remoteLive = false
				e.log.Warn("remote source gone, mixing local passthrough")
			} else {
				rq = e.queueFrame(rq, f, protocol.SourceRemote)
			}
		}

		for len(lq) > 0 {
			var mixed []float32
			switch {
			case len(rq) > 0:
				// gains are already applied upstream
				mixed = pcm.Mix(lq[0], rq[0], 1, 1)
				rq = rq[1:]
			case !remoteLive:
				mixed = lq[0]
			}
			if mixed == nil {
				break
			}
			lq = lq[1:]
			e.emit(ctx, protocol.AudioFrame{
				Source:   protocol.SourceMixed,
				PCM:      pcm.EncodeLE(mixed),
				Captured: time.Now(),
			})
		}
	}
}

// queueFrame appends with a bound so one source drifting ahead of the other
// cannot grow a pairing queue without limit. The oldest frame is dropped on
// overflow.
func (e *Engine) queueFrame(q [][]float32, f []float32, source protocol.Source) [][]float32 {
	if len(q) >= mixQueueDepth {
		q = q[1:]
		e.log.Warn("mix queue overflow, dropping oldest frame", slog.String("source", string(source)))
	}
	return append(q, f)
}

// emit never blocks the audio clock: if the consumer lags past the channel
// buffer the frame is dropped with a warning.
func (e *Engine) emit(ctx context.Context, frame protocol.AudioFrame) {
	if tap := e.tapFor(frame.Source); tap != nil {
		if err := tap.Write(frame.PCM); err != nil {
			e.log.Warn("tap write failed", slog.String("error", err.Error()))
		}
	}
	select {
	case e.frames <- frame:
	case <-ctx.Done():
	default:
		e.log.Warn("frame consumer lagging, dropping frame", slog.String("source", string(frame.Source)))
	}
}

func (e *Engine) tapFor(source protocol.Source) *wavTap {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.taps[source]
}
