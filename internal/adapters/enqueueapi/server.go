// Package enqueueapi exposes the bot-facing HTTP surface: submit URLs to be
// queued, check on a job's status.
package enqueueapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"clipqueue/internal/domain/jobstore"
	"clipqueue/internal/domain/urlclassify"
	"clipqueue/internal/infra/logger"
	"clipqueue/internal/shared"
)

// Server wraps a jobstore.Store with the JSON handlers the bot calls.
type Server struct {
	store       *jobstore.Store
	maxAttempts int
}

// New builds a Server. maxAttempts is stamped onto every job enqueued through
// this server.
func New(store *jobstore.Store, maxAttempts int) *Server {
	return &Server{store: store, maxAttempts: maxAttempts}
}

// Handler returns the http.Handler exposing /health, POST /jobs, and
// GET /jobs/{job_id}.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /jobs", s.handleEnqueue)
	mux.HandleFunc("GET /jobs/{job_id}", s.handleGetJob)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// subscriberRequest is the chat-message identity the caller wants notified
// when the enqueued URLs finish. ThreadID is omitted for chats without a
// thread concept.
type subscriberRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	ChatType  string `json:"chat_type"`
	ThreadID  *int64 `json:"thread_id,omitempty"`
}

type enqueueRequest struct {
	URLs       []string          `json:"urls"`
	Subscriber subscriberRequest `json:"subscriber"`
}

// enqueueRow is one entry of POST /jobs's response: the classified input
// alongside the resulting job and whether it was merged into an existing one.
type enqueueRow struct {
	InputURL      string `json:"input_url"`
	NormalizedURL string `json:"normalized_url"`
	Platform      string `json:"platform"`
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	Deduplicated  bool   `json:"deduplicated"`
}

// jobResponse mirrors jobstore.Job without its timestamps and without
// worker-internal claim bookkeeping, and reports subscribers only as a count.
type jobResponse struct {
	JobID            string         `json:"job_id"`
	InputURL         string         `json:"input_url"`
	NormalizedURL    string         `json:"normalized_url"`
	Platform         string         `json:"platform"`
	Status           string         `json:"status"`
	Attempts         int            `json:"attempts"`
	MaxAttempts      int            `json:"max_attempts"`
	Result           map[string]any `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	SubscribersCount int            `json:"subscribers_count"`
}

func toJobResponse(j *jobstore.Job) jobResponse {
	return jobResponse{
		JobID:            j.JobID,
		InputURL:         j.InputURL,
		NormalizedURL:    j.NormalizedURL,
		Platform:         j.Platform,
		Status:           string(j.Status),
		Attempts:         j.Attempts,
		MaxAttempts:      j.MaxAttempts,
		Result:           j.Result,
		Error:            j.Error,
		SubscribersCount: len(j.Subscribers),
	}
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		return
	}

	var inputs []jobstore.NewJob
	seenNormalized := make(map[string]struct{})
	for _, raw := range shared.Unique(req.URLs) {
		extracted, ok := urlclassify.Classify(raw)
		if !ok {
			continue
		}
		if _, dup := seenNormalized[extracted.NormalizedURL]; dup {
			continue
		}
		seenNormalized[extracted.NormalizedURL] = struct{}{}
		inputs = append(inputs, jobstore.NewJob{
			InputURL:      extracted.InputURL,
			NormalizedURL: extracted.NormalizedURL,
			Platform:      string(extracted.Platform),
			MaxAttempts:   s.maxAttempts,
		})
	}

	if len(inputs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "No supported URLs found"})
		return
	}

	subscriber := jobstore.Subscriber{
		ChatID:    req.Subscriber.ChatID,
		MessageID: req.Subscriber.MessageID,
		ThreadID:  req.Subscriber.ThreadID,
	}

	enqueued, err := s.store.EnqueueMany(subscriber, inputs)
	if err != nil {
		logger.Errorf("enqueue failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	rows := make([]enqueueRow, 0, len(enqueued))
	for _, res := range enqueued {
		rows = append(rows, enqueueRow{
			InputURL:      res.Job.InputURL,
			NormalizedURL: res.Job.NormalizedURL,
			Platform:      res.Job.Platform,
			JobID:         res.Job.JobID,
			Status:        string(res.Job.Status),
			Deduplicated:  res.Deduplicated,
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "jobs": rows})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	job, err := s.store.GetJob(jobID)
	if errors.Is(err, jobstore.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		logger.Errorf("get job failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(job))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
