package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cadencehq/cadence/internal/domain"
	"github.com/cadencehq/cadence/internal/pkg/httputil"
	"github.com/cadencehq/cadence/internal/store"
)

type createTemplateRequest struct {
	UserID   string          `json:"user_id"`
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	PathType string          `json:"path_type"`
	Settings json.RawMessage `json:"settings"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	ct := domain.CampaignType(req.Type)
	if !ct.Valid() {
		httputil.Error(w, http.StatusUnprocessableEntity, "unknown campaign type: "+req.Type)
		return
	}
	pt := domain.PathType(req.PathType)
	if req.PathType == "" {
		pt = domain.PathStructured
	} else if !pt.Valid() {
		httputil.Error(w, http.StatusUnprocessableEntity, "unknown path type: "+req.PathType)
		return
	}

	tmpl := &domain.CampaignTemplate{
		UserID:   req.UserID,
		Name:     req.Name,
		Type:     ct,
		PathType: pt,
		Settings: req.Settings,
		IsActive: true,
	}
	// Validate the sequence up front so broken templates never enroll.
	if _, err := tmpl.Sequence(); err != nil {
		httputil.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if _, err := s.store.Templates.Create(r.Context(), tmpl); err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to create template")
		return
	}
	httputil.Created(w, tmpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	templates, err := s.store.Templates.List(r.Context(), q.Get("type"), intParam(q.Get("limit")), intParam(q.Get("offset")))
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to list templates")
		return
	}
	httputil.OK(w, templates)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	tmpl, err := s.store.Templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err == store.ErrNotFound {
		httputil.NotFound(w, "template not found")
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to load template")
		return
	}
	httputil.OK(w, tmpl)
}

func (s *Server) handleDeactivateTemplate(w http.ResponseWriter, r *http.Request) {
	err := s.store.Templates.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err == store.ErrNotFound {
		httputil.NotFound(w, "template not found")
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to deactivate template")
		return
	}
	httputil.OK(w, map[string]bool{"deactivated": true})
}

type createInstanceRequest struct {
	TemplateID     string          `json:"template_id"`
	ProviderConfig json.RawMessage `json:"provider_config"`
	DailySendCap   int             `json:"daily_send_cap"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.TemplateID == "" {
		httputil.BadRequest(w, "template_id is required")
		return
	}
	if _, err := s.store.Templates.Get(r.Context(), req.TemplateID); err != nil {
		if err == store.ErrNotFound {
			httputil.NotFound(w, "template not found")
			return
		}
		s.fail(w, http.StatusInternalServerError, err, "failed to load template")
		return
	}

	inst := &domain.CampaignInstance{
		TemplateID:     req.TemplateID,
		ProviderConfig: req.ProviderConfig,
		DailySendCap:   req.DailySendCap,
	}
	if _, err := s.store.Instances.Create(r.Context(), inst); err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to create instance")
		return
	}
	httputil.Created(w, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	instances, err := s.store.Instances.List(r.Context(), q.Get("status"), intParam(q.Get("limit")), intParam(q.Get("offset")))
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to list instances")
		return
	}
	httputil.OK(w, instances)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.Instances.Get(r.Context(), chi.URLParam(r, "id"))
	if err == store.ErrNotFound {
		httputil.NotFound(w, "instance not found")
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to load instance")
		return
	}
	httputil.OK(w, inst)
}

// transitionHandler builds the start/pause/resume/complete handlers over
// the shared status machine.
func (s *Server) transitionHandler(to domain.InstanceStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var inst *domain.CampaignInstance
		err := s.store.WithTx(r.Context(), func(tx *sql.Tx) error {
			var err error
			inst, err = s.store.Instances.Transition(r.Context(), tx, id, to)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "instance not found")
			return
		}
		if errors.Is(err, store.ErrInvalidTransition) {
			httputil.Error(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		if err != nil {
			s.fail(w, http.StatusInternalServerError, err, "failed to transition instance")
			return
		}
		httputil.OK(w, inst)
	}
}

// handleInstanceMetrics serves the live counter read model.
func (s *Server) handleInstanceMetrics(w http.ResponseWriter, r *http.Request) {
	inst, err := s.store.Instances.Get(r.Context(), chi.URLParam(r, "id"))
	if err == store.ErrNotFound {
		httputil.NotFound(w, "instance not found")
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err, "failed to load instance")
		return
	}
	httputil.OK(w, inst.Metrics())
}

func intParam(s string) int {
	n := 0
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0
		}
		n = n*10 + int(ch-'0')
	}
	return n
}
