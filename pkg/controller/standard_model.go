package controller

import (
	"maps"
	"slices"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/store"
)

// StandardModel returns the Standard Model set (module id -> field ids) for
// an environment. A backend declaration wins, then the configured override,
// then the modules and fields whose catalog origin is "SM".
func (c *Controller) StandardModel(sessionID, envID string) map[string][]string {
	if decl := c.store.DeclaredStandardModel(sessionID, envID); len(decl) > 0 {
		return decl
	}
	if len(c.opts.StandardModel) > 0 {
		out := make(map[string][]string, len(c.opts.StandardModel))
		for k, v := range c.opts.StandardModel {
			out[k] = slices.Clone(v)
		}
		return out
	}
	return DeriveStandardModel(c.store.Catalog(domain.KindModules), c.store.Catalog(domain.KindFields))
}

// DeriveStandardModel collects the SM-origin modules with their declared
// fields filtered to SM-origin fields. Both catalogs must be non-empty.
func DeriveStandardModel(modules, fields []domain.Identified) map[string][]string {
	out := make(map[string][]string)
	if len(modules) == 0 || len(fields) == 0 {
		return out
	}
	smFields := make(map[string]bool)
	for _, f := range fields {
		if domain.OriginOf(f) == domain.OriginStandardModel {
			smFields[domain.IDOf(f)] = true
		}
	}
	for _, item := range modules {
		if domain.OriginOf(item) != domain.OriginStandardModel {
			continue
		}
		m := domain.ModuleOf(item)
		kept := []string{}
		for _, f := range m.Fields {
			if smFields[f] {
				kept = append(kept, f)
			}
		}
		out[m.ID] = kept
	}
	return out
}

// ToggleStandardModel links (enabled) or unlinks the Standard Model set
// under an environment and records the EnableSM flag. Enabling links each
// module, then its fields; disabling mirrors that in reverse. Disabling
// after an enable removes exactly what the enable added, so modules or
// fields linked beforehand stay linked.
func (c *Controller) ToggleStandardModel(sessionID, envID string, enabled bool) error {
	if err := requireIDs("toggle standard model", "session", sessionID, "environment", envID); err != nil {
		return err
	}
	tree, _ := c.store.Tree(sessionID)
	if !tree.HasEnv(envID) {
		return domain.Precondition("toggle standard model", "environment "+envID+" is not linked")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := smKey{sessionID, envID}
	set := c.StandardModel(sessionID, envID)
	modules := slices.Sorted(maps.Keys(set))

	if enabled {
		// Every enable runs the link pass; the record keeps only links still present.
		added := c.smAdded[key]
		if added == nil {
			added = &smLinks{modules: make(map[string]bool), fields: make(map[string][]string)}
		}
		added.prune(tree, envID)
		for _, m := range modules {
			if c.store.LinkModule(sessionID, envID, m) {
				added.modules[m] = true
			}
			for _, f := range set[m] {
				if c.store.LinkField(sessionID, envID, m, f) {
					added.fields[m] = append(added.fields[m], f)
				}
			}
		}
		c.smAdded[key] = added
		c.store.SetStandardModelEnabled(sessionID, envID, true)
		return nil
	}

	added, recorded := c.smAdded[key]
	delete(c.smAdded, key)
	if !recorded {
		// Flag derived from backend data: undo the whole set.
		added = &smLinks{modules: make(map[string]bool), fields: set}
		for _, m := range modules {
			added.modules[m] = true
		}
	}
	touched := slices.Sorted(maps.Keys(added.modules))
	for m := range added.fields {
		if !added.modules[m] {
			touched = append(touched, m)
		}
	}
	slices.Sort(touched)
	for _, m := range slices.Backward(touched) {
		for _, f := range slices.Backward(added.fields[m]) {
			c.store.UnlinkField(sessionID, envID, m, f)
		}
		if added.modules[m] {
			c.store.UnlinkModule(sessionID, envID, m)
		}
	}
	c.store.SetStandardModelEnabled(sessionID, envID, false)
	return nil
}

// prune forgets recorded links that are no longer in the tree.
func (l *smLinks) prune(tree store.Tree, envID string) {
	for m := range l.modules {
		if !tree.HasModule(envID, m) {
			delete(l.modules, m)
		}
	}
	for m, fields := range l.fields {
		fields = slices.DeleteFunc(fields, func(f string) bool {
			return !slices.Contains(tree.Fields(envID, m), f)
		})
		if len(fields) == 0 {
			delete(l.fields, m)
		} else {
			l.fields[m] = fields
		}
	}
}

// rederiveStandardModelFlags marks an environment as SM-enabled exactly
// when its linked modules equal the Standard Model module set.
func (c *Controller) rederiveStandardModelFlags(sessionID string) {
	tree, ok := c.store.Tree(sessionID)
	if !ok {
		return
	}
	c.mu.Lock()
	for key, added := range c.smAdded {
		if key.session != sessionID {
			continue
		}
		if !tree.HasEnv(key.env) {
			delete(c.smAdded, key)
			continue
		}
		added.prune(tree, key.env)
	}
	c.mu.Unlock()

	for _, envID := range tree.Envs() {
		set := c.StandardModel(sessionID, envID)
		if len(set) == 0 {
			continue
		}
		linked := tree.LinkedModuleSet(envID)
		match := len(linked) == len(set)
		for m := range set {
			if !linked[m] {
				match = false
				break
			}
		}
		c.store.SetStandardModelEnabled(sessionID, envID, match)
	}
}
