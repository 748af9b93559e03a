// Package advisor decouples committed transcripts from the variable-latency
// advisory backend: an unbounded FIFO job queue drained by a single worker,
// with results collected in an ordered buffer for a polling consumer.
package advisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sidecue/sidecue-core/internal/config"
	"github.com/sidecue/sidecue-core/internal/protocol"
)

// FailureResult is the visible placeholder appended when an advisory call
// fails. A bad transcript must not stall the pipeline.
const FailureResult = "[advisory unavailable]"

// ErrNoHistory is returned by Feedback before any turn has completed.
var ErrNoHistory = errors.New("no conversation history yet")

const jobTimeout = 60 * time.Second

type Job struct {
	ID       string
	Payload  string
	Enqueued time.Time
}

// TurnSink receives completed conversation turns for persistence.
type TurnSink interface {
	AppendTurn(ctx context.Context, role, content string) error
}

// Dispatcher owns the job queue, the result buffer and the conversation
// history. At most one job is in flight at a time, so results are published
// in enqueue order.
type Dispatcher struct {
	cfg config.AdvisorConfig
	gen Generator
	log *slog.Logger

	onResult func(protocol.AdvisoryResult)
	sink     TurnSink

	mu    sync.Mutex
	queue []Job
	wake  chan struct{}

	rmu     sync.Mutex
	results []string

	hmu     sync.Mutex
	history []Turn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(parent context.Context, cfg config.AdvisorConfig, gen Generator, log *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	return &Dispatcher{
		cfg:    cfg,
		gen:    gen,
		log:    log.With(slog.String("component", "advisor-dispatcher")),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnResult registers a hook fired after each completed job. Set before Start.
func (d *Dispatcher) OnResult(fn func(protocol.AdvisoryResult)) {
	d.onResult = fn
}

// SetTurnSink registers history persistence. Set before Start.
func (d *Dispatcher) SetTurnSink(sink TurnSink) {
	d.sink = sink
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.worker()
}

func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Enqueue appends a job. Never blocks, always succeeds.
func (d *Dispatcher) Enqueue(transcript string) {
	job := Job{ID: uuid.NewString(), Payload: transcript, Enqueued: time.Now()}
	d.mu.Lock()
	d.queue = append(d.queue, job)
	depth := len(d.queue)
	d.mu.Unlock()

	d.log.Info("advisory job enqueued", slog.String("job_id", job.ID), slog.Int("queue_depth", depth))

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Poll removes and returns the oldest result. Never blocks; ok is false
// when the buffer is empty.
func (d *Dispatcher) Poll() (string, bool) {
	d.rmu.Lock()
	defer d.rmu.Unlock()
	if len(d.results) == 0 {
		return "", false
	}
	head := d.results[0]
	d.results = d.results[1:]
	return head, true
}

// History returns a copy of the conversation history.
func (d *Dispatcher) History() []Turn {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	out := make([]Turn, len(d.history))
	copy(out, d.history)
	return out
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		// a queued backlog is discarded on shutdown, not drained into
		// placeholder results
		if d.ctx.Err() != nil {
			return
		}
		job, ok := d.pop()
		if !ok {
			select {
			case <-d.ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}
		d.process(job)
	}
}

func (d *Dispatcher) pop() (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Job{}, false
	}
	head := d.queue[0]
	d.queue = d.queue[1:]
	return head, true
}

// process runs exactly one advisory call. Failures are converted into a
// visible placeholder result so the next job still runs.
func (d *Dispatcher) process(job Job) {
	ctx, cancel := context.WithTimeout(d.ctx, jobTimeout)
	defer cancel()

	req := RequestFromConfig(d.cfg)
	req.Prompt = job.Payload
	req.History = d.History()

	start := time.Now()
	result, err := d.gen.Generate(ctx, req)
	failed := err != nil
	if failed {
		d.log.Warn("advisory call failed", slog.String("job_id", job.ID), slogError(err))
		result = FailureResult
	} else {
		d.log.Info("advisory call complete",
			slog.String("job_id", job.ID),
			slog.Duration("latency", time.Since(start)))
	}

	d.rmu.Lock()
	d.results = append(d.results, result)
	d.rmu.Unlock()

	d.advanceHistory(job.Payload, result, failed)

	if d.onResult != nil {
		d.onResult(protocol.AdvisoryResult{
			JobID:     job.ID,
			Input:     job.Payload,
			Result:    result,
			Failed:    failed,
			Timestamp: time.Now().UTC(),
		})
	}
}

func (d *Dispatcher) advanceHistory(input, response string, failed bool) {
	d.hmu.Lock()
	d.history = append(d.history, Turn{Role: "user", Content: input})
	if !failed && response != "" {
		d.history = append(d.history, Turn{Role: "assistant", Content: response})
	}
	d.hmu.Unlock()

	if d.sink == nil {
		return
	}
	if err := d.sink.AppendTurn(d.ctx, "user", input); err != nil {
		d.log.Warn("failed to persist user turn", slogError(err))
	}
	if !failed && response != "" {
		if err := d.sink.AppendTurn(d.ctx, "assistant", response); err != nil {
			d.log.Warn("failed to persist assistant turn", slogError(err))
		}
	}
}

// Summarize runs a synchronous batch summarization over an ordered list of
// transcripts, bypassing the job queue.
func (d *Dispatcher) Summarize(ctx context.Context, transcripts []string) (string, error) {
	if len(transcripts) == 0 {
		return "", errors.New("no transcripts to summarize")
	}
	var sb strings.Builder
	sb.WriteString("Summarize the following conversation transcript into key points, decisions and action items:\n")
	for i, tr := range transcripts {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, tr)
	}

	req := RequestFromConfig(d.cfg)
	req.Prompt = sb.String()
	return d.gen.Generate(ctx, req)
}

// Feedback asks the backend to review the accumulated conversation history.
func (d *Dispatcher) Feedback(ctx context.Context) (string, error) {
	hist := d.History()
	if len(hist) == 0 {
		return "", ErrNoHistory
	}
	req := RequestFromConfig(d.cfg)
	req.History = hist
	req.Prompt = "Review the conversation so far and give concise feedback on how the user handled it, with concrete suggestions."
	return d.gen.Generate(ctx, req)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
