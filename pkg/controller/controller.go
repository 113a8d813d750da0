package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/launcher"
	"github.com/nstogner/qdash/pkg/metrics"
	"github.com/nstogner/qdash/pkg/pathtree"
	"github.com/nstogner/qdash/pkg/store"
	"github.com/nstogner/qdash/pkg/transport"
)

// sessionCatalogs are requested whenever a session becomes active.
var sessionCatalogs = []domain.CatalogKind{
	domain.KindEnvironments,
	domain.KindModules,
	domain.KindFields,
	domain.KindInjections,
	domain.KindMethods,
}

// Options carries the optional collaborators of a Controller.
type Options struct {
	// Drafts persists session trees; nil disables draft persistence.
	Drafts store.DraftStore
	// Runs records simulation starts; nil disables the run log.
	Runs store.RunStore
	// Launcher additionally runs started simulations locally; may be nil.
	Launcher launcher.Launcher
	// StandardModel overrides the catalog-derived Standard Model
	// (module id -> field ids) when the backend declares none.
	StandardModel map[string][]string
}

// Controller translates user intents into store transitions and backend
// requests, and feeds inbound backend messages into the store.
type Controller struct {
	store  *store.Store
	client *transport.Client
	opts   Options

	mu sync.Mutex
	// smAdded records, per (session, env), what enabling the Standard Model
	// actually linked so disabling removes exactly that.
	smAdded map[smKey]*smLinks
}

type smKey struct{ session, env string }

type smLinks struct {
	modules map[string]bool     // modules linked by the toggle
	fields  map[string][]string // fields linked by the toggle, per module
}

// New creates a new Controller.
func New(s *store.Store, client *transport.Client, opts Options) *Controller {
	return &Controller{
		store:   s,
		client:  client,
		opts:    opts,
		smAdded: make(map[smKey]*smLinks),
	}
}

// Store returns the store the controller drives.
func (c *Controller) Store() *store.Store { return c.store }

// --- Sessions ---

// RefreshSessions requests the session list.
func (c *Controller) RefreshSessions(ctx context.Context) error {
	c.store.SetLoading(domain.KindSessions, true)
	return c.client.RequestCatalog(ctx, domain.KindSessions, "")
}

// CreateSession registers a new session locally and asks the backend to
// create it. An empty id gets a generated one.
func (c *Controller) CreateSession(ctx context.Context, id string) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}
	c.store.AddSession(domain.Entity{ID: id, Attrs: map[string]any{
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}})
	if err := c.client.CreateSession(ctx, id); err != nil {
		return id, fmt.Errorf("create session %s: %w", id, err)
	}
	return id, nil
}

// Activate makes a session active, clears the detail selection, restores a
// persisted draft if the session has no tree in memory, and requests the
// session-scoped catalogs.
func (c *Controller) Activate(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return domain.Precondition("activate", "session id is required")
	}

	sess := &domain.Session{ID: sessionID}
	if item, ok := domain.Find(c.store.Catalog(domain.KindSessions), sessionID); ok {
		if e, ok := item.(domain.Entity); ok {
			sess.Meta = e.Attrs
			if v, ok := e.Attrs["created_at"].(string); ok {
				sess.CreatedAt, _ = time.Parse(time.RFC3339, v)
			}
		}
	}

	c.restoreDraft(ctx, sessionID)
	c.store.SetActiveSession(sess)
	c.store.SetActiveDetail(nil)
	slog.Info("Session activated", "sessionID", sessionID)

	return c.fetchSessionCatalogs(ctx, sessionID)
}

func (c *Controller) fetchSessionCatalogs(ctx context.Context, sessionID string) error {
	var errs []error
	for _, kind := range sessionCatalogs {
		c.store.SetLoading(kind, true)
		if err := c.client.RequestCatalog(ctx, kind, sessionID); err != nil {
			c.store.SetLoading(kind, false)
			errs = append(errs, fmt.Errorf("request %s: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) restoreDraft(ctx context.Context, sessionID string) {
	if c.opts.Drafts == nil {
		return
	}
	if _, ok := c.store.Tree(sessionID); ok {
		return
	}
	tree, err := c.opts.Drafts.LoadDraft(ctx, sessionID)
	if err != nil {
		slog.Debug("No draft to restore", "sessionID", sessionID, "error", err)
		return
	}
	if c.store.LoadDraft(sessionID, tree) {
		slog.Info("Restored session draft", "sessionID", sessionID, "envs", len(tree.Envs()))
	}
}

// HasUnsavedConfig reports whether closing the session would discard
// configuration that has not been sent with a simulation start.
func (c *Controller) HasUnsavedConfig(sessionID string) bool {
	tree, ok := c.store.Tree(sessionID)
	return ok && !tree.Empty()
}

// --- Linking ---

func requireIDs(op string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return domain.Precondition(op, pairs[i]+" is required")
		}
	}
	return nil
}

// LinkEnvironment links an environment to a session.
func (c *Controller) LinkEnvironment(sessionID, envID string) (bool, error) {
	if err := requireIDs("link environment", "session", sessionID, "environment", envID); err != nil {
		return false, err
	}
	return c.store.LinkEnvironment(sessionID, envID), nil
}

// UnlinkEnvironment removes an environment and everything under it.
func (c *Controller) UnlinkEnvironment(sessionID, envID string) (bool, error) {
	if err := requireIDs("unlink environment", "session", sessionID, "environment", envID); err != nil {
		return false, err
	}
	c.mu.Lock()
	delete(c.smAdded, smKey{sessionID, envID})
	c.mu.Unlock()
	return c.store.UnlinkEnvironment(sessionID, envID), nil
}

// LinkModule links a module under a linked environment together with every
// field the module declares in the modules catalog.
func (c *Controller) LinkModule(sessionID, envID, moduleID string) (bool, error) {
	if err := requireIDs("link module", "session", sessionID, "environment", envID, "module", moduleID); err != nil {
		return false, err
	}
	tree, _ := c.store.Tree(sessionID)
	if !tree.HasEnv(envID) {
		return false, domain.Precondition("link module", "environment "+envID+" is not linked")
	}
	changed := c.store.LinkModule(sessionID, envID, moduleID)
	if item, ok := domain.Find(c.store.Catalog(domain.KindModules), moduleID); ok {
		for _, f := range domain.ModuleOf(item).Fields {
			if c.store.LinkField(sessionID, envID, moduleID, f) {
				changed = true
			}
		}
	}
	return changed, nil
}

// UnlinkModule removes a module with its fields and methods.
func (c *Controller) UnlinkModule(sessionID, envID, moduleID string) (bool, error) {
	if err := requireIDs("unlink module", "session", sessionID, "environment", envID, "module", moduleID); err != nil {
		return false, err
	}
	return c.store.UnlinkModule(sessionID, envID, moduleID), nil
}

// LinkField links a field under a linked module.
func (c *Controller) LinkField(sessionID, envID, moduleID, fieldID string) (bool, error) {
	if err := requireIDs("link field", "session", sessionID, "environment", envID, "module", moduleID, "field", fieldID); err != nil {
		return false, err
	}
	return c.store.LinkField(sessionID, envID, moduleID, fieldID), nil
}

// UnlinkField removes a field from a module.
func (c *Controller) UnlinkField(sessionID, envID, moduleID, fieldID string) (bool, error) {
	if err := requireIDs("unlink field", "session", sessionID, "environment", envID, "module", moduleID, "field", fieldID); err != nil {
		return false, err
	}
	return c.store.UnlinkField(sessionID, envID, moduleID, fieldID), nil
}

// LinkMethod links a method under a linked module.
func (c *Controller) LinkMethod(sessionID, envID, moduleID, methodID string) (bool, error) {
	if err := requireIDs("link method", "session", sessionID, "environment", envID, "module", moduleID, "method", methodID); err != nil {
		return false, err
	}
	return c.store.LinkMethod(sessionID, envID, moduleID, methodID), nil
}

// UnlinkMethod removes a method from a module.
func (c *Controller) UnlinkMethod(sessionID, envID, moduleID, methodID string) (bool, error) {
	if err := requireIDs("unlink method", "session", sessionID, "environment", envID, "module", moduleID, "method", methodID); err != nil {
		return false, err
	}
	return c.store.UnlinkMethod(sessionID, envID, moduleID, methodID), nil
}

// --- Detail ---

// SelectDetail makes a catalog item the active detail. Items whose payload
// is not loaded yet are requested from the backend: injections without a
// point series via GET_INJECTION, everything else via GET_ITEM.
func (c *Controller) SelectDetail(ctx context.Context, kind domain.CatalogKind, id string) error {
	if id == "" {
		c.store.SetActiveDetail(nil)
		return nil
	}
	item, ok := domain.Find(c.store.Catalog(kind), id)
	if !ok {
		item = domain.ID(id)
	}
	c.store.SetActiveDetail(item)

	if kind == domain.KindInjections {
		data, _ := domain.Attr(item, "data")
		if list, ok := data.([]any); ok && len(list) > 0 {
			return nil
		}
		return c.client.RequestInjectionDetail(ctx, id)
	}
	return c.client.RequestItemDetail(ctx, id)
}

// --- Simulation start ---

// SnapshotForSimulationStart returns the session's envs subtree as held.
func (c *Controller) SnapshotForSimulationStart(sessionID string) pathtree.Node {
	return c.store.Snapshot(sessionID)
}

// StartSimulation sends the session's configuration to the backend, records
// the run and, with a launcher configured, launches it locally.
func (c *Controller) StartSimulation(ctx context.Context, sessionID string) (*domain.RunRecord, error) {
	if sessionID == "" {
		return nil, domain.Precondition("start simulation", "session id is required")
	}
	snapshot := c.SnapshotForSimulationStart(sessionID)
	config, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	digest, err := domain.ConfigDigest(config)
	if err != nil {
		return nil, fmt.Errorf("digest snapshot: %w", err)
	}

	if err := c.client.SubmitSimulationStart(ctx, sessionID, snapshot); err != nil {
		metrics.SimulationStarts.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, fmt.Errorf("submit simulation start: %w", err)
	}
	metrics.SimulationStarts.WithLabelValues(metrics.OutcomeApplied).Inc()

	run := &domain.RunRecord{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Digest:    digest,
		Config:    config,
		CreatedAt: time.Now().UTC(),
	}
	slog.Info("Simulation started", "sessionID", sessionID, "runID", run.ID, "digest", digest)

	if c.opts.Runs != nil {
		if err := c.opts.Runs.RecordRun(ctx, run); err != nil {
			return run, fmt.Errorf("record run: %w", err)
		}
	}
	if c.opts.Launcher != nil {
		if _, err := c.opts.Launcher.Launch(ctx, *run); err != nil {
			return run, fmt.Errorf("launch run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// Runs lists the recorded runs of a session, newest first.
func (c *Controller) Runs(ctx context.Context, sessionID string) ([]domain.RunRecord, error) {
	if c.opts.Runs == nil {
		return nil, nil
	}
	return c.opts.Runs.ListRuns(ctx, sessionID)
}
