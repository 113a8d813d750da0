package store

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/merge"
	"github.com/nstogner/qdash/pkg/metrics"
	"github.com/nstogner/qdash/pkg/pathtree"
)

// GlobalEvent is published for changes that are not tied to one session
// (catalogs, connection status, active session).
const GlobalEvent = ""

// Store is the in-memory home of every session's configuration tree, the
// catalog caches and the connection status. Each method is one atomic
// transition; subscribers are notified after the lock is released.
type Store struct {
	mu            sync.RWMutex
	trees         map[string]pathtree.Node
	active        *domain.Session
	catalogs      map[domain.CatalogKind][]domain.Identified
	loading       map[domain.CatalogKind]bool
	detail        domain.Identified
	standardModel merge.StandardModel
	smEnabled     map[string]map[string]bool
	conn          domain.ConnectionStatus

	subMu       sync.RWMutex
	subscribers []chan string
	trackers    []*Tracker
}

// New creates an empty store.
func New() *Store {
	return &Store{
		trees:         make(map[string]pathtree.Node),
		catalogs:      make(map[domain.CatalogKind][]domain.Identified),
		loading:       make(map[domain.CatalogKind]bool),
		standardModel: make(merge.StandardModel),
		smEnabled:     make(map[string]map[string]bool),
		conn:          domain.ConnectionStatus{Status: domain.StatusDisconnected},
	}
}

// Subscribe returns a channel that receives the id of every session whose
// tree changed, or GlobalEvent for process-wide changes.
func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

// Unsubscribe stops delivery to a channel returned by Subscribe.
func (s *Store) Unsubscribe(ch <-chan string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = slices.DeleteFunc(s.subscribers, func(c chan string) bool { return c == ch })
}

func (s *Store) notify(id string) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, t := range s.trackers {
		t.mark(id)
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- id:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}

// Tracker collects the ids of changed sessions without loss. Repeated
// changes to one session coalesce until the next Drain.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]struct{}
	signal  chan struct{}
}

// Track registers a Tracker that sees every session change from now on.
// GlobalEvent is not tracked.
func (s *Store) Track() *Tracker {
	t := &Tracker{
		pending: make(map[string]struct{}),
		signal:  make(chan struct{}, 1),
	}
	s.subMu.Lock()
	s.trackers = append(s.trackers, t)
	s.subMu.Unlock()
	return t
}

// Untrack stops recording changes into t.
func (s *Store) Untrack(t *Tracker) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.trackers = slices.DeleteFunc(s.trackers, func(x *Tracker) bool { return x == t })
}

func (t *Tracker) mark(id string) {
	if id == GlobalEvent {
		return
	}
	t.mu.Lock()
	t.pending[id] = struct{}{}
	t.mu.Unlock()
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// C is signalled whenever a session id is pending.
func (t *Tracker) C() <-chan struct{} { return t.signal }

// Drain returns the pending session ids, sorted, and resets the set.
func (t *Tracker) Drain() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := slices.Sorted(maps.Keys(t.pending))
	clear(t.pending)
	return ids
}

// update runs fn under the write lock and notifies id if fn reports a change.
func (s *Store) update(op, id string, fn func() bool) bool {
	s.mu.Lock()
	changed := fn()
	s.mu.Unlock()
	metrics.Mutation(op, changed)
	if changed {
		s.notify(id)
	}
	return changed
}

// tree returns the session's root node, creating it when create is set.
// Callers hold the write lock.
func (s *Store) tree(sessionID string, create bool) pathtree.Node {
	root, ok := s.trees[sessionID]
	if !ok {
		if !create {
			return nil
		}
		root = newRoot()
		s.trees[sessionID] = root
	}
	pathtree.EnsurePath(root, merge.KeyEnvs)
	return root
}

// --- Catalogs ---

// SetCatalog replaces a catalog wholesale and clears its loading flag.
func (s *Store) SetCatalog(kind domain.CatalogKind, items []domain.Identified) {
	s.update("set_catalog", GlobalEvent, func() bool {
		s.catalogs[kind] = slices.Clone(items)
		s.loading[kind] = false
		return true
	})
}

// AddSession appends a session to the sessions catalog unless its id is known.
func (s *Store) AddSession(item domain.Identified) bool {
	return s.update("add_session", GlobalEvent, func() bool {
		id := domain.IDOf(item)
		if id == "" {
			return false
		}
		if _, ok := domain.Find(s.catalogs[domain.KindSessions], id); ok {
			return false
		}
		s.catalogs[domain.KindSessions] = append(s.catalogs[domain.KindSessions], item)
		s.loading[domain.KindSessions] = false
		return true
	})
}

// RemoveCatalogItem drops an item from a catalog, e.g. after an upstream delete.
func (s *Store) RemoveCatalogItem(kind domain.CatalogKind, id string) bool {
	return s.update("remove_catalog_item", GlobalEvent, func() bool {
		before := len(s.catalogs[kind])
		s.catalogs[kind] = slices.DeleteFunc(s.catalogs[kind], func(it domain.Identified) bool {
			return domain.IDOf(it) == id
		})
		return len(s.catalogs[kind]) != before
	})
}

// SetLoading records that a catalog fetch is in flight.
func (s *Store) SetLoading(kind domain.CatalogKind, loading bool) {
	s.update("set_loading", GlobalEvent, func() bool {
		s.loading[kind] = loading
		return true
	})
}

// Loading reports whether a catalog fetch is in flight.
func (s *Store) Loading(kind domain.CatalogKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading[kind]
}

// Catalog returns a copy of a catalog list.
func (s *Store) Catalog(kind domain.CatalogKind) []domain.Identified {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.catalogs[kind])
}

// UpdateDetail shallow-merges a single-item detail into the matching catalog
// entry and, when it is the active detail target, into the active detail.
func (s *Store) UpdateDetail(kind domain.CatalogKind, detail domain.Entity) bool {
	return s.update("update_detail", GlobalEvent, func() bool {
		changed := false
		items := s.catalogs[kind]
		for i, it := range items {
			if domain.IDOf(it) != detail.ID {
				continue
			}
			base, ok := it.(domain.Entity)
			if !ok {
				base = domain.Entity{ID: detail.ID}
			}
			items[i] = base.Merge(detail.Attrs)
			changed = true
		}
		if s.detail != nil && domain.IDOf(s.detail) == detail.ID {
			base, ok := s.detail.(domain.Entity)
			if !ok {
				base = domain.Entity{ID: detail.ID}
			}
			s.detail = base.Merge(detail.Attrs)
			changed = true
		}
		return changed
	})
}

// SetActiveDetail selects the item shown in the detail view (nil clears).
func (s *Store) SetActiveDetail(item domain.Identified) {
	s.update("set_active_detail", GlobalEvent, func() bool {
		s.detail = item
		return true
	})
}

// ActiveDetail returns the item shown in the detail view.
func (s *Store) ActiveDetail() domain.Identified {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detail
}

// --- Sessions ---

// SetActiveSession activates a session (nil clears) and initializes its
// tree if it has none yet.
func (s *Store) SetActiveSession(sess *domain.Session) {
	s.update("set_active_session", GlobalEvent, func() bool {
		if sess == nil {
			s.active = nil
			return true
		}
		cp := *sess
		s.active = &cp
		s.tree(sess.ID, true)
		return true
	})
}

// ActiveSession returns a copy of the active session, or nil.
func (s *Store) ActiveSession() *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == nil {
		return nil
	}
	cp := *s.active
	return &cp
}

// SessionIDs returns the ids of every session holding a tree.
func (s *Store) SessionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.trees))
	for id := range s.trees {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Tree returns a deep copy of a session's tree.
func (s *Store) Tree(sessionID string) (Tree, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.trees[sessionID]
	if !ok {
		return NewTree(), false
	}
	return TreeFrom(pathtree.Clone(root)), true
}

// Snapshot returns a copy of the session's "envs" subtree exactly as held.
// Sessions without a tree yield an empty object.
func (s *Store) Snapshot(sessionID string) pathtree.Node {
	t, _ := s.Tree(sessionID)
	return t.EnvsNode()
}

// LoadDraft installs a persisted tree for a session that has none in memory.
func (s *Store) LoadDraft(sessionID string, t Tree) bool {
	return s.update("load_draft", sessionID, func() bool {
		if _, ok := s.trees[sessionID]; ok {
			return false
		}
		s.trees[sessionID] = pathtree.Clone(t.Root())
		return true
	})
}

// --- Environments ---

// LinkEnvironment adds an environment with empty modules and injections.
// Linking an already linked environment keeps its data.
func (s *Store) LinkEnvironment(sessionID, envID string) bool {
	return s.update("link_env", sessionID, func() bool {
		root := s.tree(sessionID, true)
		if pathtree.Has(root, merge.KeyEnvs, envID) {
			return false
		}
		env := pathtree.EnsurePath(root, merge.KeyEnvs, envID)
		pathtree.EnsurePath(env, merge.KeyModules)
		pathtree.EnsurePath(env, merge.KeyInjections)
		return true
	})
}

// UnlinkEnvironment removes an environment and its whole subtree.
func (s *Store) UnlinkEnvironment(sessionID, envID string) bool {
	return s.update("unlink_env", sessionID, func() bool {
		root := s.tree(sessionID, false)
		if !pathtree.Has(root, merge.KeyEnvs, envID) {
			return false
		}
		pathtree.DeletePath(root, merge.KeyEnvs, envID)
		if flags := s.smEnabled[sessionID]; flags != nil {
			delete(flags, envID)
		}
		return true
	})
}

// --- Modules ---

// LinkModule adds a module under a linked environment. It is a no-op when
// the environment is not linked.
func (s *Store) LinkModule(sessionID, envID, moduleID string) bool {
	return s.update("link_module", sessionID, func() bool {
		root := s.tree(sessionID, false)
		if !pathtree.Has(root, merge.KeyEnvs, envID) {
			return false
		}
		if pathtree.Has(root, merge.KeyEnvs, envID, merge.KeyModules, moduleID) {
			return false
		}
		mod := pathtree.EnsurePath(root, merge.KeyEnvs, envID, merge.KeyModules, moduleID)
		pathtree.EnsurePath(mod, merge.KeyFields)
		pathtree.EnsurePath(mod, merge.KeyMethods)
		return true
	})
}

// UnlinkModule removes a module with its fields and methods.
func (s *Store) UnlinkModule(sessionID, envID, moduleID string) bool {
	return s.update("unlink_module", sessionID, func() bool {
		root := s.tree(sessionID, false)
		if !pathtree.Has(root, merge.KeyEnvs, envID, merge.KeyModules, moduleID) {
			return false
		}
		pathtree.DeletePath(root, merge.KeyEnvs, envID, merge.KeyModules, moduleID)
		return true
	})
}

// --- Fields and methods ---

// LinkField adds a field under a linked module; no-op when env or module is missing.
func (s *Store) LinkField(sessionID, envID, moduleID, fieldID string) bool {
	return s.linkLeaf("link_field", sessionID, envID, moduleID, merge.KeyFields, fieldID)
}

// UnlinkField removes a field from a module.
func (s *Store) UnlinkField(sessionID, envID, moduleID, fieldID string) bool {
	return s.unlinkLeaf("unlink_field", sessionID, envID, moduleID, merge.KeyFields, fieldID)
}

// LinkMethod adds a method under a linked module; no-op when env or module is missing.
func (s *Store) LinkMethod(sessionID, envID, moduleID, methodID string) bool {
	return s.linkLeaf("link_method", sessionID, envID, moduleID, merge.KeyMethods, methodID)
}

// UnlinkMethod removes a method from a module.
func (s *Store) UnlinkMethod(sessionID, envID, moduleID, methodID string) bool {
	return s.unlinkLeaf("unlink_method", sessionID, envID, moduleID, merge.KeyMethods, methodID)
}

func (s *Store) linkLeaf(op, sessionID, envID, moduleID, level, id string) bool {
	return s.update(op, sessionID, func() bool {
		root := s.tree(sessionID, false)
		mod, ok := pathtree.Lookup(root, merge.KeyEnvs, envID, merge.KeyModules, moduleID)
		if !ok {
			return false
		}
		if pathtree.Has(mod, level, id) {
			return false
		}
		pathtree.EnsurePath(mod, level, id)
		return true
	})
}

func (s *Store) unlinkLeaf(op, sessionID, envID, moduleID, level, id string) bool {
	return s.update(op, sessionID, func() bool {
		root := s.tree(sessionID, false)
		path := []string{merge.KeyEnvs, envID, merge.KeyModules, moduleID, level, id}
		if !pathtree.Has(root, path...) {
			return false
		}
		pathtree.DeletePath(root, path...)
		return true
	})
}

// --- Injections ---

// AssignInjection sets the injection at (env, field, position), creating
// the path as needed and overwriting any previous assignment.
func (s *Store) AssignInjection(sessionID, envID, fieldID string, pos domain.PositionKey, injectionID string) bool {
	return s.update("assign_injection", sessionID, func() bool {
		root := s.tree(sessionID, true)
		env := pathtree.EnsurePath(root, merge.KeyEnvs, envID)
		pathtree.EnsurePath(env, merge.KeyModules)
		bucket := pathtree.EnsurePath(env, merge.KeyInjections, fieldID)
		if cur, ok := bucket[string(pos)].(string); ok && cur == injectionID {
			return false
		}
		bucket[string(pos)] = injectionID
		return true
	})
}

// AssignInjections sets the injection at every given position of a field in
// one transition and returns how many positions changed.
func (s *Store) AssignInjections(sessionID, envID, fieldID string, positions []domain.PositionKey, injectionID string) int {
	n := 0
	s.update("assign_injections", sessionID, func() bool {
		root := s.tree(sessionID, true)
		env := pathtree.EnsurePath(root, merge.KeyEnvs, envID)
		pathtree.EnsurePath(env, merge.KeyModules)
		bucket := pathtree.EnsurePath(env, merge.KeyInjections, fieldID)
		for _, pos := range positions {
			if cur, ok := bucket[string(pos)].(string); ok && cur == injectionID {
				continue
			}
			bucket[string(pos)] = injectionID
			n++
		}
		return n > 0
	})
	return n
}

// UnassignInjections removes the assignments at the given positions in one
// transition and returns how many were removed.
func (s *Store) UnassignInjections(sessionID, envID, fieldID string, positions []domain.PositionKey) int {
	n := 0
	s.update("unassign_injections", sessionID, func() bool {
		root := s.tree(sessionID, false)
		bucket, ok := pathtree.Lookup(root, merge.KeyEnvs, envID, merge.KeyInjections, fieldID)
		if !ok {
			return false
		}
		for _, pos := range positions {
			if _, ok := bucket[string(pos)]; ok {
				delete(bucket, string(pos))
				n++
			}
		}
		return n > 0
	})
	return n
}

// UnassignInjection removes the assignment at (env, field, position).
func (s *Store) UnassignInjection(sessionID, envID, fieldID string, pos domain.PositionKey) bool {
	return s.update("unassign_injection", sessionID, func() bool {
		root := s.tree(sessionID, false)
		bucket, ok := pathtree.Lookup(root, merge.KeyEnvs, envID, merge.KeyInjections, fieldID)
		if !ok {
			return false
		}
		if _, ok := bucket[string(pos)]; !ok {
			return false
		}
		delete(bucket, string(pos))
		return true
	})
}

// RemoveInjectionEverywhere deletes every assignment of injectionID across
// all sessions and returns how many were removed.
func (s *Store) RemoveInjectionEverywhere(injectionID string) int {
	var touched []string
	removed := 0

	s.mu.Lock()
	for sid, root := range s.trees {
		envs, ok := pathtree.Lookup(root, merge.KeyEnvs)
		if !ok {
			continue
		}
		hit := false
		for _, env := range envs {
			buckets, ok := pathtree.Lookup(asNode(env), merge.KeyInjections)
			if !ok {
				continue
			}
			for _, b := range buckets {
				bucket, ok := pathtree.Object(b)
				if !ok {
					continue
				}
				for pos, v := range bucket {
					if id, ok := v.(string); ok && id == injectionID {
						delete(bucket, pos)
						removed++
						hit = true
					}
				}
			}
		}
		if hit {
			touched = append(touched, sid)
		}
	}
	s.mu.Unlock()

	metrics.Mutation("remove_injection_everywhere", removed > 0)
	for _, sid := range touched {
		s.notify(sid)
	}
	return removed
}

func asNode(v any) pathtree.Node {
	n, _ := pathtree.Object(v)
	return n
}

// --- Merges ---

// MergeLinks folds a session-keyed hierarchical patch into the affected
// trees. Payloads that are not session keyed are ignored; malformed
// branches are skipped and logged. It returns the merged session ids.
func (s *Store) MergeLinks(payload any) []string {
	patches, ok := merge.Sessions(payload)
	if !ok {
		metrics.MergesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		slog.Warn("Ignoring link payload that is not session keyed")
		return nil
	}

	var merged []string
	s.mu.Lock()
	for _, sid := range slices.Sorted(maps.Keys(patches)) {
		root := s.tree(sid, true)
		res := merge.Apply(root, patches[sid])
		if len(res.Skipped) > 0 {
			metrics.MergeSkippedBranches.Add(float64(len(res.Skipped)))
			slog.Warn("Skipped malformed link branches", "sessionID", sid, "branches", res.Skipped)
		}
		merged = append(merged, sid)
	}
	s.mu.Unlock()

	metrics.MergesTotal.WithLabelValues(metrics.OutcomeApplied).Inc()
	for _, sid := range merged {
		s.notify(sid)
	}
	return merged
}

// MergeStandardModel records backend-declared Standard Model links. Later
// declarations for the same module replace earlier ones.
func (s *Store) MergeStandardModel(payload any) []string {
	sm, res := merge.ParseStandardModel(payload)
	if len(res.Skipped) > 0 {
		metrics.MergeSkippedBranches.Add(float64(len(res.Skipped)))
		slog.Warn("Skipped malformed standard model branches", "branches", res.Skipped)
	}

	var sids []string
	s.mu.Lock()
	for sid, envs := range sm {
		if _, ok := s.trees[sid]; !ok {
			s.tree(sid, true)
		}
		if s.standardModel[sid] == nil {
			s.standardModel[sid] = make(map[string]map[string][]string)
		}
		for envID, mods := range envs {
			if s.standardModel[sid][envID] == nil {
				s.standardModel[sid][envID] = make(map[string][]string)
			}
			for modID, fields := range mods {
				s.standardModel[sid][envID][modID] = slices.Clone(fields)
			}
		}
		sids = append(sids, sid)
	}
	s.mu.Unlock()

	slices.Sort(sids)
	for _, sid := range sids {
		s.notify(sid)
	}
	return sids
}

// DeclaredStandardModel returns the backend-declared module -> fields set
// for an environment, or nil if none was declared.
func (s *Store) DeclaredStandardModel(sessionID, envID string) map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	decl := s.standardModel[sessionID][envID]
	if decl == nil {
		return nil
	}
	out := make(map[string][]string, len(decl))
	for k, v := range decl {
		out[k] = slices.Clone(v)
	}
	return out
}

// SetStandardModelEnabled records the EnableSM flag of an environment.
func (s *Store) SetStandardModelEnabled(sessionID, envID string, enabled bool) bool {
	return s.update("set_sm_enabled", sessionID, func() bool {
		flags := s.smEnabled[sessionID]
		if flags == nil {
			flags = make(map[string]bool)
			s.smEnabled[sessionID] = flags
		}
		if flags[envID] == enabled {
			return false
		}
		flags[envID] = enabled
		return true
	})
}

// StandardModelEnabled returns the EnableSM flag of an environment.
func (s *Store) StandardModelEnabled(sessionID, envID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.smEnabled[sessionID][envID]
}

// --- Connection ---

// SetConnectionStatus records the transport status. A connected status
// stamps LastConnected and clears any previous error.
func (s *Store) SetConnectionStatus(st domain.ConnectionStatus) {
	s.update("set_connection", GlobalEvent, func() bool {
		if st.IsConnected {
			st.Error = ""
			st.LastConnected = time.Now().UTC()
		} else {
			if st.Error == "" {
				st.Error = s.conn.Error
			}
			st.LastConnected = s.conn.LastConnected
		}
		s.conn = st
		if st.IsConnected {
			metrics.Connected.Set(1)
		} else {
			metrics.Connected.Set(0)
		}
		return true
	})
}

// Connection returns the last reported transport status.
func (s *Store) Connection() domain.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}
