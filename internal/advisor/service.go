package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/sidecue/sidecue-core/internal/bus"
	"github.com/sidecue/sidecue-core/internal/config"
	"github.com/sidecue/sidecue-core/internal/protocol"
)

// Service bridges the bus and the dispatcher: committed transcripts become
// advisory jobs, and completed results are republished for other consumers.
type Service struct {
	cfg        config.AdvisorConfig
	bus        *bus.Client
	dispatcher *Dispatcher
	sub        *nats.Subscription
	ready      bool
	logger     *slog.Logger
}

func NewService(parent context.Context, cfg config.AdvisorConfig, busClient *bus.Client, sink TurnSink, logger *slog.Logger) (*Service, error) {
	gen, err := NewGenerator(cfg)
	if err != nil {
		return nil, fmt.Errorf("configure advisory backend: %w", err)
	}
	s := &Service{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "advisor-service")),
	}
	s.dispatcher = NewDispatcher(parent, cfg, gen, logger)
	s.dispatcher.SetTurnSink(sink)
	s.dispatcher.OnResult(s.publishResult)
	return s, nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptCommitted, s.handleTranscript)
	if err != nil {
		return fmt.Errorf("subscribe committed transcripts: %w", err)
	}
	s.sub = sub
	s.dispatcher.Start()
	s.ready = true
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.dispatcher.Close()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

// Dispatcher exposes the queue for the HTTP layer.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var event protocol.TranscriptEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.logger.Warn("failed to decode transcript event", slogError(err))
		return
	}
	if event.Text == "" {
		return
	}
	s.dispatcher.Enqueue(event.Text)
}

func (s *Service) publishResult(result protocol.AdvisoryResult) {
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("failed to encode advisory result", slogError(err))
		return
	}
	if s.bus == nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectAdvisoryResult, data); err != nil {
		s.logger.Warn("failed to publish advisory result", slogError(err))
	}
}
