package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nstogner/qdash/pkg/controller"
	"github.com/nstogner/qdash/pkg/domain"
)

// --- Sessions ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"sessions": s.store.Catalog(domain.KindSessions),
		"loading":  s.store.Loading(domain.KindSessions),
	}
	if active := s.store.ActiveSession(); active != nil {
		resp["active"] = active
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	// An empty body creates a session with a generated id.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.ctrl.CreateSession(r.Context(), req.ID)
	if err != nil {
		s.controllerError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.ctrl.Activate(r.Context(), id); err != nil {
		s.controllerError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.store.ActiveSession())
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tree, ok := s.store.Tree(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, errors.New("session not found: "+id))
		return
	}
	sm := make(map[string]bool)
	for _, env := range tree.Envs() {
		sm[env] = s.store.StandardModelEnabled(id, env)
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"session_id": id,
		"config":     tree.EnvsNode(),
		"sm_enabled": sm,
		"unsaved":    s.ctrl.HasUnsavedConfig(id),
	})
}

func (s *Server) handleAvailable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	kind, err := domain.ParseCatalogKind(r.PathValue("kind"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	q := r.URL.Query()
	scope := controller.Scope{EnvID: q.Get("env"), ModuleID: q.Get("module"), FieldID: q.Get("field")}

	linked, err := s.ctrl.Linked(id, kind, scope)
	if err != nil {
		s.controllerError(w, err)
		return
	}
	available, selected := controller.Partition(s.store.Catalog(kind), linked)
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"available": available,
		"selected":  selected,
		"linked":    linked,
		"loading":   s.store.Loading(kind),
	})
}

// --- Links ---

func (s *Server) linkResponse(w http.ResponseWriter, changed bool, err error) {
	if err != nil {
		s.controllerError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"changed": changed})
}

func (s *Server) handleLinkEnv(w http.ResponseWriter, r *http.Request) {
	changed, err := s.ctrl.LinkEnvironment(r.PathValue("id"), r.PathValue("env"))
	s.linkResponse(w, changed, err)
}

func (s *Server) handleUnlinkEnv(w http.ResponseWriter, r *http.Request) {
	changed, err := s.ctrl.UnlinkEnvironment(r.PathValue("id"), r.PathValue("env"))
	s.linkResponse(w, changed, err)
}

func (s *Server) handleLinkModule(w http.ResponseWriter, r *http.Request) {
	changed, err := s.ctrl.LinkModule(r.PathValue("id"), r.PathValue("env"), r.PathValue("mod"))
	s.linkResponse(w, changed, err)
}

func (s *Server) handleUnlinkModule(w http.ResponseWriter, r *http.Request) {
	changed, err := s.ctrl.UnlinkModule(r.PathValue("id"), r.PathValue("env"), r.PathValue("mod"))
	s.linkResponse(w, changed, err)
}

func (s *Server) handleLinkField(w http.ResponseWriter, r *http.Request) {
	changed, err := s.ctrl.LinkField(r.PathValue("id"), r.PathValue("env"), r.PathValue("mod"), r.PathValue("field"))
	s.linkResponse(w, changed, err)
}

func (s *Server) handleUnlinkField(w http.ResponseWriter, r *http.Request) {
	changed, err := s.ctrl.UnlinkField(r.PathValue("id"), r.PathValue("env"), r.PathValue("mod"), r.PathValue("field"))
	s.linkResponse(w, changed, err)
}

func (s *Server) handleLinkMethod(w http.ResponseWriter, r *http.Request) {
	changed, err := s.ctrl.LinkMethod(r.PathValue("id"), r.PathValue("env"), r.PathValue("mod"), r.PathValue("method"))
	s.linkResponse(w, changed, err)
}

func (s *Server) handleUnlinkMethod(w http.ResponseWriter, r *http.Request) {
	changed, err := s.ctrl.UnlinkMethod(r.PathValue("id"), r.PathValue("env"), r.PathValue("mod"), r.PathValue("method"))
	s.linkResponse(w, changed, err)
}

func (s *Server) handleToggleSM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	id, env := r.PathValue("id"), r.PathValue("env")
	if err := s.ctrl.ToggleStandardModel(id, env, req.Enabled); err != nil {
		s.controllerError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"enabled": s.store.StandardModelEnabled(id, env)})
}

// --- Assignment ---

type assignRequest struct {
	EnvID       string                `json:"env_id"`
	ModuleID    string                `json:"module_id"`
	FieldID     string                `json:"field_id"`
	InjectionID string                `json:"injection_id"`
	Position    domain.PositionKey    `json:"position,omitempty"`
	Positions   []domain.PositionKey  `json:"positions,omitempty"`
	Mode        controller.AssignMode `json:"mode,omitempty"`
	WholeField  bool                  `json:"whole_field,omitempty"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	sel := controller.Selection{
		SessionID: r.PathValue("id"),
		EnvID:     req.EnvID,
		ModuleID:  req.ModuleID,
		FieldID:   req.FieldID,
	}

	var (
		assigned bool
		changed  int
		err      error
	)
	switch {
	case req.WholeField:
		assigned, changed, err = s.ctrl.AssignField(sel, req.InjectionID)
	case len(req.Positions) > 0:
		mode := req.Mode
		if mode == "" {
			mode = controller.ModeAssign
		}
		changed, err = s.ctrl.AssignSelected(sel, req.Positions, req.InjectionID, mode)
		assigned = mode == controller.ModeAssign
	default:
		assigned, err = s.ctrl.Assign(sel, req.Position, req.InjectionID)
		changed = 1
	}
	if err != nil {
		s.controllerError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"assigned": assigned, "changed": changed})
}

// --- Simulation ---

func (s *Server) handleStartSimulation(w http.ResponseWriter, r *http.Request) {
	run, err := s.ctrl.StartSimulation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.controllerError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.ctrl.Runs(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []domain.RunRecord{}
	}
	s.jsonResponse(w, http.StatusOK, runs)
}

// --- Catalogs ---

func (s *Server) handleGetCatalog(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseCatalogKind(r.PathValue("kind"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	items := s.store.Catalog(kind)
	if items == nil {
		items = []domain.Identified{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"items":   items,
		"loading": s.store.Loading(kind),
	})
}

func (s *Server) handleSelectDetail(w http.ResponseWriter, r *http.Request) {
	kind, err := domain.ParseCatalogKind(r.PathValue("kind"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	if err := s.ctrl.SelectDetail(r.Context(), kind, r.PathValue("item")); err != nil {
		s.controllerError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"detail": s.store.ActiveDetail()})
}

func (s *Server) handleGetDetail(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{"detail": s.store.ActiveDetail()})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.store.Connection())
}
