// Package callbackserver receives job-event callbacks from the worker and
// dispatches them, once, to whatever this process wants to do with a
// completed or failed job (in this repository: log it and record it as the
// job's latest event, readable through LatestEvent).
package callbackserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"clipqueue/internal/adapters/callbackclient"
	"clipqueue/internal/infra/logger"
)

const dedupCapacity = 5000

// eventQueueCapacity bounds how many accepted-but-not-yet-dispatched events
// may sit in the dispatch channel before the HTTP handler blocks — the
// reference bot's deque is unbounded, but an unbounded Go channel isn't a
// thing, so a generous buffer stands in for it.
const eventQueueCapacity = 1024

var validStatuses = map[string]struct{}{"started": {}, "done": {}, "failed": {}}

// ErrBadCallbackAuth is returned by the handler (as a log annotation) when
// the X-Internal-Token header doesn't match.
var ErrBadCallbackAuth = errors.New("callbackserver: bad auth token")

// Server owns the dedup window, the dispatch channel, and a single consumer
// goroutine that drains it serially.
type Server struct {
	authToken string
	dedup     *dedupWindow
	limiter   *rate.Limiter

	events chan callbackclient.Event

	mu        sync.Mutex
	latest    map[string]callbackclient.Event // job_id -> most recent dispatched event, read by LatestEvent
	stopOnce  sync.Once
	consumeWG sync.WaitGroup
	stop      chan struct{}
}

// New builds a Server. dedupDBPath, if non-empty, persists the dedup window
// through restarts via bbolt. dispatchPerSecond bounds how fast the consumer
// goroutine processes accepted events.
func New(authToken, dedupDBPath string, dispatchPerSecond int) (*Server, error) {
	dedup, err := openDedupWindow(dedupDBPath, dedupCapacity)
	if err != nil {
		return nil, err
	}
	if dispatchPerSecond <= 0 {
		dispatchPerSecond = 50
	}
	return &Server{
		authToken: authToken,
		dedup:     dedup,
		limiter:   rate.NewLimiter(rate.Limit(dispatchPerSecond), dispatchPerSecond),
		events:    make(chan callbackclient.Event, eventQueueCapacity),
		latest:    make(map[string]callbackclient.Event),
		stop:      make(chan struct{}),
	}, nil
}

// Start launches the single consumer goroutine. Call Stop to drain and exit.
func (s *Server) Start(ctx context.Context) {
	s.consumeWG.Add(1)
	go s.consume(ctx)
}

// Stop signals the consumer goroutine to exit after draining in-flight work
// and closes the dedup store.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.consumeWG.Wait()
	return s.dedup.Close()
}

func (s *Server) consume(ctx context.Context) {
	defer s.consumeWG.Done()
	defer s.drain()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case event := <-s.events:
			if err := s.limiter.Wait(ctx); err != nil {
				s.dispatch(event)
				return
			}
			s.dispatch(event)
		}
	}
}

// drain dispatches every event still buffered in the channel, without rate
// limiting, so that accepted events are not lost when the consumer exits.
func (s *Server) drain() {
	for {
		select {
		case event := <-s.events:
			s.dispatch(event)
		default:
			return
		}
	}
}

// dispatch is where a completed pipeline would hand the event to the bot's
// own notification logic. Here it logs and records the event for retrieval
// through LatestEvent.
func (s *Server) dispatch(event callbackclient.Event) {
	logger.Infof("job event dispatched job_id=%s status=%s", event.JobID, event.Status)
	s.mu.Lock()
	s.latest[event.JobID] = event
	s.mu.Unlock()
}

// LatestEvent returns the most recently dispatched event for jobID, if any.
func (s *Server) LatestEvent(jobID string) (callbackclient.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	event, ok := s.latest[jobID]
	return event, ok
}

// Handler returns the http.Handler for POST /internal/job-events.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/internal/job-events", s.handleJobEvent)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}

func (s *Server) handleJobEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := r.Header.Get("X-Internal-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		logger.Warnf("rejecting callback: %v", ErrBadCallbackAuth)
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var event callbackclient.Event
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if event.EventID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing event_id")
		return
	}
	if _, ok := validStatuses[event.Status]; !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid status")
		return
	}

	if s.dedup.markSeen(event.EventID) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
		return
	}

	select {
	case s.events <- event:
	case <-time.After(2 * time.Second):
		logger.Errorf("dispatch queue full, dropping event_id=%s", event.EventID)
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}
