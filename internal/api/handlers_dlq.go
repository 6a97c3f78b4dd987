package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/pkg/distlock"
	"github.com/cadencehq/cadence/internal/pkg/httputil"
	"github.com/cadencehq/cadence/internal/pkg/logger"
	"github.com/cadencehq/cadence/internal/store"
)

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := s.store.DLQ.List(r.Context(), store.DLQFilter{
		Status:    q.Get("status"),
		Provider:  q.Get("provider"),
		EventType: q.Get("event_type"),
		Limit:     intParam(q.Get("limit")),
		Offset:    intParam(q.Get("offset")),
	})
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to list dead letters")
		return
	}
	httputil.OK(w, entries)
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.DLQ.Stats(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to load DLQ stats")
		return
	}
	httputil.OK(w, stats)
}

// replayEntry re-runs the intake recipe for one entry and settles its
// status: replayed on success, back to failed (attempts+1) otherwise.
func (s *Server) replayEntry(r *http.Request, id string) (replayed bool, err error) {
	d, err := s.store.DLQ.Get(r.Context(), id)
	if err != nil {
		return false, err
	}
	if err := s.store.DLQ.MarkReplaying(r.Context(), id); err != nil {
		return false, err
	}

	providerName := ""
	if d.Provider != nil {
		providerName = *d.Provider
	}
	channel := domain.ChannelEmail
	if d.Channel != nil {
		channel = domain.Channel(*d.Channel)
	}

	_, replayErr := s.pipeline.ReplayDeadLetter(r.Context(), d, providerName, channel)
	if replayErr != nil {
		if markErr := s.store.DLQ.MarkFailedAgain(r.Context(), id, replayErr.Error()); markErr != nil {
			logger.Error("dlq status update failed", "id", id, "error", markErr.Error())
		}
		return false, nil
	}
	if err := s.store.DLQ.MarkReplayed(r.Context(), id); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	replayed, err := s.replayEntry(r, id)
	if err == store.ErrNotFound {
		httputil.NotFound(w, "dead letter not found or not replayable")
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "replay failed")
		return
	}
	httputil.OK(w, map[string]any{"id": id, "replayed": replayed})
}

func (s *Server) handleDLQIgnore(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.DLQ.Ignore(r.Context(), id)
	if err == store.ErrNotFound {
		httputil.NotFound(w, "dead letter not found")
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "ignore failed")
		return
	}
	httputil.OK(w, map[string]any{"id": id, "ignored": true})
}

// handleDLQReplayAll replays every failed entry matching the filter,
// under a distributed lock so two admins cannot run overlapping sweeps.
func (s *Server) handleDLQReplayAll(w http.ResponseWriter, r *http.Request) {
	lock := distlock.NewLock(s.replayLockRedis(), s.store.DB(), "dlq-replay-all", 10*time.Minute)
	acquired, err := lock.Acquire(r.Context())
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "lock acquisition failed")
		return
	}
	if !acquired {
		httputil.Conflict(w, "a bulk replay is already running")
		return
	}
	defer lock.Release(r.Context())

	q := r.URL.Query()
	entries, err := s.store.DLQ.List(r.Context(), store.DLQFilter{
		Status:    string(domain.DLQFailed),
		Provider:  q.Get("provider"),
		EventType: q.Get("event_type"),
		Limit:     500,
	})
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to list dead letters")
		return
	}

	replayed, failed := 0, 0
	for _, d := range entries {
		ok, err := s.replayEntry(r, d.ID)
		if err != nil || !ok {
			failed++
			continue
		}
		replayed++
	}
	httputil.OK(w, map[string]int{"replayed": replayed, "failed": failed})
}
