package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/pkg/httputil"
	"github.com/cadencehq/cadence/internal/store"
)

type enrollRequest struct {
	InstanceID string   `json:"instance_id"`
	ContactIDs []string `json:"contact_ids"`
	// AccountIdentifier/AccountTimezone bind LinkedIn enrollments to a
	// sending seat and its local day for cap accounting.
	AccountIdentifier string `json:"account_identifier"`
	AccountTimezone   string `json:"account_timezone"`
}

type enrollResponse struct {
	Enrolled []string `json:"enrolled"`
	// Duplicates lists contact ids already enrolled in the instance;
	// they are skipped, not errors.
	Duplicates []string `json:"duplicates"`
}

// handleCreateEnrollments enrolls one or more contacts. Dedup on
// (instance, contact) rides on the unique constraint: a racing duplicate
// loses the insert and lands in the duplicates list.
func (s *Server) handleCreateEnrollments(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.InstanceID == "" || len(req.ContactIDs) == 0 {
		httputil.BadRequest(w, "instance_id and contact_ids are required")
		return
	}

	inst, err := s.store.Instances.Get(r.Context(), req.InstanceID)
	if err == store.ErrNotFound {
		httputil.NotFound(w, "instance not found")
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to load instance")
		return
	}
	if inst.IsTerminal() {
		httputil.Conflict(w, "instance is "+string(inst.Status))
		return
	}

	now := time.Now()
	resp := enrollResponse{Enrolled: []string{}, Duplicates: []string{}}
	for _, contactID := range req.ContactIDs {
		e := &domain.CampaignEnrollment{
			InstanceID:        req.InstanceID,
			ContactID:         contactID,
			Status:            domain.EnrollmentActive,
			NextActionAt:      &now,
			AccountIdentifier: req.AccountIdentifier,
			AccountTimezone:   req.AccountTimezone,
		}
		_, err := s.store.Enrollments.Create(r.Context(), nil, e)
		if err == store.ErrDuplicate {
			resp.Duplicates = append(resp.Duplicates, contactID)
			continue
		}
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err, "failed to enroll contact")
			return
		}
		if _, err := s.store.AtomicIncrement(r.Context(), nil, req.InstanceID, "total_enrolled", 1); err != nil {
			s.fail(w, http.StatusInternalServerError, err, "failed to count enrollment")
			return
		}
		resp.Enrolled = append(resp.Enrolled, e.ID)
	}

	httputil.Created(w, resp)
}

func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.Enrollments.Get(r.Context(), chi.URLParam(r, "id"))
	if err == store.ErrNotFound {
		httputil.NotFound(w, "enrollment not found")
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to load enrollment")
		return
	}
	httputil.OK(w, e)
}

func (s *Server) handleEnrollmentEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.Events.ListByEnrollment(r.Context(), chi.URLParam(r, "id"), intParam(r.URL.Query().Get("limit")))
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to list events")
		return
	}
	httputil.OK(w, events)
}
