package controller

import (
	"context"
	"log/slog"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/merge"
	"github.com/nstogner/qdash/pkg/pathtree"
	"github.com/nstogner/qdash/pkg/store"
	"github.com/nstogner/qdash/pkg/transport"
)

// catalogMessages maps inbound list messages to the catalog they replace
// and the data key holding the list.
var catalogMessages = map[string]struct {
	kind domain.CatalogKind
	key  string
}{
	transport.TypeListSessions:     {domain.KindSessions, "sessions"},
	transport.TypeSessionsAlias:    {domain.KindSessions, "sessions"},
	transport.TypeUserEnvs:         {domain.KindEnvironments, "envs"},
	transport.TypeUserEnvsAlias:    {domain.KindEnvironments, "envs"},
	transport.TypeEnvsAlias:        {domain.KindEnvironments, "envs"},
	transport.TypeUserModules:      {domain.KindModules, "modules"},
	transport.TypeUserFields:       {domain.KindFields, "fields"},
	transport.TypeModuleFields:     {domain.KindFields, "fields"},
	transport.TypeSessionFields:    {domain.KindFields, "fields"},
	transport.TypeUserInjections:   {domain.KindInjections, "injections"},
	transport.TypeInjectionsAlias:  {domain.KindInjections, "injections"},
	transport.TypeUserMethods:      {domain.KindMethods, "methods"},
	transport.TypeUserMethodsAlias: {domain.KindMethods, "methods"},
}

// sessionListMessages carry the ids linked to a session at one level.
var sessionListMessages = map[string]string{
	transport.TypeSessionEnvs:    merge.KeyEnvs,
	transport.TypeSessionModules: merge.KeyModules,
}

// Start consumes inbound backend messages and connection status until ctx
// is done or the transport closes. With a DraftStore configured it also
// persists every changed session tree.
func (c *Controller) Start(ctx context.Context) error {
	if c.opts.Drafts != nil {
		dirty := c.store.Track()
		defer c.store.Untrack(dirty)
		go c.persistDrafts(ctx, dirty)
	}

	t := c.client.Transport()
	messages, status := t.Messages(), t.Status()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-messages:
			if !ok {
				return nil
			}
			c.Dispatch(ctx, env)
		case st, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			c.handleStatus(ctx, st)
		}
	}
}

func (c *Controller) handleStatus(ctx context.Context, st domain.ConnectionStatus) {
	was := c.store.Connection().IsConnected
	c.store.SetConnectionStatus(st)
	if !st.IsConnected || was {
		return
	}
	// Connection (re)established: refresh everything the UI shows.
	if err := c.RefreshSessions(ctx); err != nil {
		slog.Error("Failed to refresh sessions", "error", err)
	}
	if active := c.store.ActiveSession(); active != nil {
		if err := c.fetchSessionCatalogs(ctx, active.ID); err != nil {
			slog.Error("Failed to refresh session catalogs", "sessionID", active.ID, "error", err)
		}
	}
}

// Dispatch applies one inbound envelope to the store.
func (c *Controller) Dispatch(ctx context.Context, env transport.Envelope) {
	data, err := env.Decode()
	if err != nil {
		slog.Warn("Dropping undecodable message", "type", env.Type, "error", err)
		return
	}

	if cm, ok := catalogMessages[env.Type]; ok {
		c.setCatalog(cm.kind, listAt(data, cm.key))
		// Standard Model flags depend on the module and field catalogs.
		if cm.kind == domain.KindModules || cm.kind == domain.KindFields {
			for _, sid := range c.store.SessionIDs() {
				c.rederiveStandardModelFlags(sid)
			}
		}
		return
	}
	if level, ok := sessionListMessages[env.Type]; ok {
		c.mergeSessionList(env, data, level)
		return
	}

	switch env.Type {
	case transport.TypeLinkData:
		for _, sid := range c.store.MergeLinks(data) {
			c.rederiveStandardModelFlags(sid)
		}
	case transport.TypeEnableSM:
		for _, sid := range c.store.MergeStandardModel(data) {
			c.rederiveStandardModelFlags(sid)
		}
	case transport.TypeInjectionDetail, transport.TypeItemDetail:
		c.updateDetail(env.Type, data)
	case transport.TypeEnvDeleted, transport.TypeEnvDeletedAlias:
		id := env.EnvID
		if id == "" {
			id, _ = stringAt(data, "env_id")
		}
		if id != "" {
			c.store.RemoveCatalogItem(domain.KindEnvironments, id)
		}
	case transport.TypeInjectionDeleted:
		id := env.InjectionID
		if id == "" {
			id, _ = stringAt(data, "injection_id")
		}
		if id != "" {
			c.store.RemoveCatalogItem(domain.KindInjections, id)
			n := c.store.RemoveInjectionEverywhere(id)
			slog.Info("Injection deleted upstream", "injectionID", id, "assignmentsRemoved", n)
		}
	case transport.TypeSessionCreated, transport.TypeCreateSession:
		id := env.SessionID
		if id == "" {
			id, _ = stringAt(data, "session_id")
		}
		if id != "" {
			c.store.AddSession(domain.ID(id))
		}
	default:
		slog.Debug("Ignoring message", "type", env.Type)
	}
}

func (c *Controller) setCatalog(kind domain.CatalogKind, raw any) {
	items, skipped := domain.DecodeList(raw)
	if skipped > 0 {
		slog.Warn("Skipped malformed catalog items", "catalog", kind, "skipped", skipped)
	}
	c.store.SetCatalog(kind, items)
}

// mergeSessionList folds a session-scoped id list into the session tree.
// Link-shaped data (session keyed) is merged as is.
func (c *Controller) mergeSessionList(env transport.Envelope, data any, level string) {
	if _, ok := merge.Sessions(data); ok {
		c.store.MergeLinks(data)
		return
	}
	sid := env.Auth.SessionID
	if sid == "" {
		if active := c.store.ActiveSession(); active != nil {
			sid = active.ID
		}
	}
	if sid == "" {
		return
	}
	items, _ := domain.DecodeList(listAt(data, level))
	if len(items) == 0 {
		return
	}

	envs := pathtree.Node{}
	switch level {
	case merge.KeyEnvs:
		for _, id := range domain.IDs(items) {
			envs[id] = pathtree.Node{}
		}
	case merge.KeyModules:
		// Module lists are per environment; entries name it in "env_id".
		for _, it := range items {
			envID, _ := domain.Attr(it, "env_id")
			e, ok := envID.(string)
			if !ok || e == "" {
				continue
			}
			mods := pathtree.EnsurePath(envs, e, merge.KeyModules)
			mods[domain.IDOf(it)] = pathtree.Node{}
		}
	}
	if len(envs) == 0 {
		return
	}
	c.store.MergeLinks(map[string]any{sid: map[string]any{merge.KeyEnvs: envs}})
	c.rederiveStandardModelFlags(sid)
}

func (c *Controller) updateDetail(typ string, data any) {
	obj, ok := pathtree.Object(data)
	if !ok {
		return
	}
	if inner, ok := pathtree.Object(obj["item"]); ok {
		obj = inner
	}
	item, err := domain.DecodeIdentified(obj)
	if err != nil {
		slog.Warn("Dropping detail without id", "type", typ)
		return
	}
	e := item.(domain.Entity)
	kind := domain.KindInjections
	if typ == transport.TypeItemDetail {
		kind = c.kindOf(e.ID)
	}
	c.store.UpdateDetail(kind, e)
}

// kindOf finds the catalog holding an item id, defaulting to injections.
func (c *Controller) kindOf(id string) domain.CatalogKind {
	for _, k := range domain.CatalogKinds {
		if _, ok := domain.Find(c.store.Catalog(k), id); ok {
			return k
		}
	}
	return domain.KindInjections
}

// persistDrafts saves the tree of every session the store reports changed.
func (c *Controller) persistDrafts(ctx context.Context, dirty *store.Tracker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-dirty.C():
			for _, sid := range dirty.Drain() {
				c.saveDraft(ctx, sid)
			}
		}
	}
}

func (c *Controller) saveDraft(ctx context.Context, sessionID string) {
	tree, ok := c.store.Tree(sessionID)
	if !ok {
		return
	}
	if err := c.opts.Drafts.SaveDraft(ctx, sessionID, tree); err != nil {
		slog.Error("Failed to save draft", "sessionID", sessionID, "error", err)
	}
}

// listAt returns data[key], data.data[key], or data itself when it is a list.
func listAt(data any, key string) any {
	if list, ok := data.([]any); ok {
		return list
	}
	obj, ok := pathtree.Object(data)
	if !ok {
		return nil
	}
	if v, ok := obj[key]; ok {
		return v
	}
	if inner, ok := pathtree.Object(obj["data"]); ok {
		return inner[key]
	}
	return nil
}

func stringAt(data any, key string) (string, bool) {
	obj, ok := pathtree.Object(data)
	if !ok {
		return "", false
	}
	s, ok := obj[key].(string)
	return s, ok
}
