package transcription

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/sidecue/sidecue-core/internal/bus"
	"github.com/sidecue/sidecue-core/internal/config"
	"github.com/sidecue/sidecue-core/internal/protocol"
)

// Service consumes the capture frame channel, maintains one connection per
// transcribed source and republishes transcript events on the bus. The
// stream mode decides which sources get their own connection: "split" opens
// one per capture source, "mixed" opens a single connection for the mixed
// stream and ignores the rest.
type Service struct {
	cfg    config.TranscriptionConfig
	mode   string
	bus    *bus.Client
	tokens *TokenSource
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[protocol.Source]*Conn

	ready bool
}

func NewService(parent context.Context, cfg config.TranscriptionConfig, mode string, busClient *bus.Client, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		mode:   mode,
		bus:    busClient,
		logger: logger.With(slog.String("component", "transcription-service")),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[protocol.Source]*Conn),
	}
}

// Start begins dispatching frames. Connections are established lazily on the
// first frame seen for a source; frames arriving before the handshake
// completes are dropped by the connection with a warning.
func (s *Service) Start(frames <-chan protocol.AudioFrame) error {
	if !s.cfg.Enabled {
		return nil
	}
	s.tokens = NewTokenSource(s.cfg.TokenEndpoint, s.cfg.APIKey)
	s.wg.Add(1)
	go s.dispatchLoop(frames)
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Disconnect()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) dispatchLoop(frames <-chan protocol.AudioFrame) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if !s.accepts(frame.Source) {
				continue
			}
			s.connFor(frame.Source).SendFrame(frame.PCM)
		}
	}
}

func (s *Service) accepts(source protocol.Source) bool {
	if s.mode == "mixed" {
		return source == protocol.SourceMixed
	}
	return source != protocol.SourceMixed
}

func (s *Service) connFor(source protocol.Source) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn, ok := s.conns[source]; ok {
		return conn
	}
	conn := NewConn(s.cfg, source, s.callbacks(), s.logger)
	s.conns[source] = conn
	s.wg.Add(1)
	go s.connect(conn)
	return conn
}

func (s *Service) connect(conn *Conn) {
	defer s.wg.Done()
	token, err := s.tokens.Fetch(s.ctx)
	if err != nil {
		s.logger.Warn("token fetch failed", slogError(err))
		return
	}
	if err := conn.Connect(s.ctx, token); err != nil {
		s.logger.Warn("transcription connect failed", slogError(err))
	}
}

func (s *Service) callbacks() Callbacks {
	return Callbacks{
		OnPartial: func(text string, source protocol.Source) {
			s.publish(protocol.TranscriptEvent{
				Kind:      protocol.TranscriptPartial,
				Text:      text,
				Source:    source,
				Timestamp: time.Now().UTC(),
			})
		},
		OnCommitted: func(text string, words []protocol.Word, source protocol.Source) {
			s.publish(protocol.TranscriptEvent{
				Kind:      protocol.TranscriptCommitted,
				Text:      text,
				Source:    source,
				Words:     words,
				Timestamp: time.Now().UTC(),
			})
		},
		OnError: func(err error, source protocol.Source) {
			s.logger.Warn("transcription error", slog.String("source", string(source)), slogError(err))
		},
		OnClose: func(source protocol.Source) {
			s.logger.Info("transcription connection closed", slog.String("source", string(source)))
		},
	}
}

func (s *Service) publish(evt protocol.TranscriptEvent) {
	if evt.Text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if evt.Kind == protocol.TranscriptCommitted {
		subject = protocol.SubjectTranscriptCommitted
	}
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to marshal transcript event", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish transcript event", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
