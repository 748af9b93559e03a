// Package transcription implements the streaming speech-to-text client: one
// duplex websocket connection per audio source, a keepalive that holds idle
// connections open, and demultiplexing of partial/committed transcript
// events. There is no automatic reconnection; the owner decides whether to
// connect again after a failure.
package transcription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sidecue/sidecue-core/internal/config"
	"github.com/sidecue/sidecue-core/internal/pcm"
	"github.com/sidecue/sidecue-core/internal/protocol"
)

// ErrAlreadyConnected is returned by Connect when a connection for the
// source tag is already open or in progress.
var ErrAlreadyConnected = errors.New("transcription connection already open")

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Callbacks receive demultiplexed connection events. Partial transcripts are
// advisory and superseded by later events; committed transcripts are terminal
// per utterance.
type Callbacks struct {
	OnPartial   func(text string, source protocol.Source)
	OnCommitted func(text string, words []protocol.Word, source protocol.Source)
	OnError     func(err error, source protocol.Source)
	OnClose     func(source protocol.Source)
}

// Conn is one streaming transcription connection. It owns the underlying
// websocket and the keepalive timer for as long as the state is open.
type Conn struct {
	cfg    config.TranscriptionConfig
	source protocol.Source
	cb     Callbacks
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	ws        *websocket.Conn
	done      chan struct{}
	lastAudio time.Time

	wmu sync.Mutex // serializes websocket writes
}

func NewConn(cfg config.TranscriptionConfig, source protocol.Source, cb Callbacks, log *slog.Logger) *Conn {
	return &Conn{
		cfg:    cfg,
		source: source,
		cb:     cb,
		log: log.With(
			slog.String("component", "transcription"),
			slog.String("source", string(source))),
		state: StateIdle,
	}
}

// Connect opens the duplex channel using a single-use token and starts the
// read and keepalive loops.
func (c *Conn) Connect(ctx context.Context, token string) error {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateClosed, StateFailed:
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: source %s is %s", ErrAlreadyConnected, c.source, c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, c.dialURL(token), nil)
	if err != nil {
		c.mu.Lock()
		if c.state == StateConnecting {
			c.state = StateFailed
		}
		c.mu.Unlock()
		return fmt.Errorf("transcription handshake: %w", err)
	}

	c.mu.Lock()
	// Disconnect may have raced the dial; it wins, the socket is discarded
	if c.state != StateConnecting {
		state := c.state
		c.mu.Unlock()
		_ = ws.Close()
		return fmt.Errorf("disconnected during handshake, state %s", state)
	}
	c.ws = ws
	c.state = StateOpen
	c.lastAudio = time.Now()
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.readLoop(ws, done)
	go c.keepaliveLoop(done)

	c.log.Info("transcription connection open")
	return nil
}

func (c *Conn) dialURL(token string) string {
	q := url.Values{}
	q.Set("model_id", c.cfg.ModelID)
	q.Set("token", token)
	q.Set("commit_strategy", "vad")
	q.Set("audio_format", "pcm_16000")
	if c.cfg.VADSilenceSecs > 0 {
		q.Set("vad_silence_threshold_secs", strconv.FormatFloat(c.cfg.VADSilenceSecs, 'f', -1, 64))
	}
	if c.cfg.IncludeTimestamps {
		q.Set("include_timestamps", "true")
	}
	return c.cfg.Endpoint + "?" + q.Encode()
}

// State reports the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendFrame forwards one PCM frame. Audio delivery must never block on
// transcription readiness: when the connection is not open the frame is
// dropped with a warning.
func (c *Conn) SendFrame(data []byte) {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		c.log.Warn("dropping frame, connection not open", slog.String("state", state.String()))
		return
	}
	c.lastAudio = time.Now()
	ws := c.ws
	c.mu.Unlock()

	if err := c.writeChunk(ws, data); err != nil {
		c.log.Warn("frame send failed", slog.String("error", err.Error()))
	}
}

func (c *Conn) writeChunk(ws *websocket.Conn, data []byte) error {
	msg := protocol.AudioChunkMessage{
		Type:        "input_audio_chunk",
		AudioBase64: base64.StdEncoding.EncodeToString(data),
		Commit:      false,
		SampleRate:  pcm.SampleRate,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// keepaliveLoop sends a silence frame when no real audio has gone out for a
// full interval, preventing idle-timeout disconnects. It runs exactly while
// the connection is open.
func (c *Conn) keepaliveLoop(done chan struct{}) {
	interval := time.Duration(c.cfg.KeepaliveMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		idle := c.state == StateOpen && time.Since(c.lastAudio) >= interval
		ws := c.ws
		c.mu.Unlock()
		if !idle {
			continue
		}
		if err := c.writeChunk(ws, pcm.Silence(pcm.FrameSamples)); err != nil {
			c.log.Warn("keepalive send failed", slog.String("error", err.Error()))
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			intentional := c.state == StateClosing || c.state == StateClosed
			if !intentional {
				c.state = StateClosed
				c.closeDoneLocked(done)
			}
			c.mu.Unlock()

			if !intentional {
				c.log.Warn("transcription connection lost", slog.String("error", err.Error()))
				if c.cb.OnError != nil {
					c.cb.OnError(err, c.source)
				}
				if c.cb.OnClose != nil {
					c.cb.OnClose(c.source)
				}
			}
			return
		}
		c.handleMessage(data)
	}
}

func (c *Conn) handleMessage(data []byte) {
	var msg protocol.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("malformed inbound message", slog.String("error", err.Error()))
		if c.cb.OnError != nil {
			c.cb.OnError(fmt.Errorf("malformed inbound message: %w", err), c.source)
		}
		return
	}

	switch msg.Type {
	case protocol.MsgSessionStarted:
		c.log.Info("transcription session started", slog.String("session_id", msg.SessionID))
	case protocol.MsgPartialTranscript:
		if c.cb.OnPartial != nil {
			c.cb.OnPartial(msg.Text, c.source)
		}
	case protocol.MsgCommittedTranscript, protocol.MsgCommittedWithTimings:
		if c.cb.OnCommitted != nil {
			c.cb.OnCommitted(msg.Text, msg.Words, c.source)
		}
	case protocol.MsgInputError:
		c.log.Warn("transcription input error", slog.String("error", msg.Error))
		if c.cb.OnError != nil {
			c.cb.OnError(errors.New(msg.Error), c.source)
		}
	default:
		c.log.Warn("unknown inbound message type", slog.String("type", msg.Type))
	}
}

// Disconnect cancels the keepalive timer, closes the websocket and fires
// OnClose. Idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state != StateOpen && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.closeDoneLocked(c.done)
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		c.wmu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		_ = ws.Close()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.log.Info("transcription connection closed")
	if c.cb.OnClose != nil {
		c.cb.OnClose(c.source)
	}
}

func (c *Conn) closeDoneLocked(done chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-done:
	default:
		close(done)
	}
}
