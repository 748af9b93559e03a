// Package api exposes the advisory pipeline over HTTP: job submission for
// out-of-band transcripts, result polling, and the batch summary and
// feedback operations.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sidecue/sidecue-core/internal/advisor"
)

type Handler struct {
	dispatcher *advisor.Dispatcher
	logger     *slog.Logger
}

func NewHandler(dispatcher *advisor.Dispatcher, logger *slog.Logger) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "api")),
	}
}

// Register mounts the v1 routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/jobs", h.handleEnqueue)
	mux.HandleFunc("GET /v1/jobs/poll", h.handlePoll)
	mux.HandleFunc("GET /v1/history", h.handleHistory)
	mux.HandleFunc("POST /v1/summary", h.handleSummary)
	mux.HandleFunc("POST /v1/feedback", h.handleFeedback)
}

type enqueueRequest struct {
	Transcript string `json:"transcript"`
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Transcript == "" {
		writeError(w, http.StatusBadRequest, "transcript is required")
		return
	}
	h.dispatcher.Enqueue(req.Transcript)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *Handler) handlePoll(w http.ResponseWriter, _ *http.Request) {
	result, ok := h.dispatcher.Poll()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"result": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (h *Handler) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"turns": h.dispatcher.History()})
}

type summaryRequest struct {
	Transcripts []string `json:"transcripts"`
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	var req summaryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Transcripts) == 0 {
		writeError(w, http.StatusBadRequest, "transcripts are required")
		return
	}
	summary, err := h.dispatcher.Summarize(r.Context(), req.Transcripts)
	if err != nil {
		h.logger.Warn("summary failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "summary failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	feedback, err := h.dispatcher.Feedback(r.Context())
	if err != nil {
		if errors.Is(err, advisor.ErrNoHistory) {
			writeError(w, http.StatusConflict, "no conversation history yet")
			return
		}
		h.logger.Warn("feedback failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "feedback failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"feedback": feedback})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
