package controller

import (
	"slices"

	"github.com/nstogner/qdash/pkg/domain"
)

// DeriveAvailable returns the items whose id is not in linked, in catalog order.
func DeriveAvailable(items []domain.Identified, linked []string) []domain.Identified {
	available, _ := Partition(items, linked)
	return available
}

// Partition splits items into those not linked and those linked. Together
// they hold every item exactly once.
func Partition(items []domain.Identified, linked []string) (available, selected []domain.Identified) {
	set := make(map[string]bool, len(linked))
	for _, id := range linked {
		set[id] = true
	}
	available = []domain.Identified{}
	selected = []domain.Identified{}
	for _, it := range items {
		if set[domain.IDOf(it)] {
			selected = append(selected, it)
		} else {
			available = append(available, it)
		}
	}
	return available, selected
}

// Scope narrows a catalog view to a place in the session tree.
type Scope struct {
	EnvID    string
	ModuleID string
	FieldID  string
}

// Linked returns the ids linked at the level a catalog kind occupies.
// Injections count as linked when assigned anywhere in the scoped field.
func (c *Controller) Linked(sessionID string, kind domain.CatalogKind, scope Scope) ([]string, error) {
	tree, _ := c.store.Tree(sessionID)
	switch kind {
	case domain.KindEnvironments:
		return tree.Envs(), nil
	case domain.KindModules:
		if err := requireIDs("linked modules", "environment", scope.EnvID); err != nil {
			return nil, err
		}
		return tree.Modules(scope.EnvID), nil
	case domain.KindFields:
		if err := requireIDs("linked fields", "environment", scope.EnvID, "module", scope.ModuleID); err != nil {
			return nil, err
		}
		return tree.Fields(scope.EnvID, scope.ModuleID), nil
	case domain.KindMethods:
		if err := requireIDs("linked methods", "environment", scope.EnvID, "module", scope.ModuleID); err != nil {
			return nil, err
		}
		return tree.Methods(scope.EnvID, scope.ModuleID), nil
	case domain.KindInjections:
		if err := requireIDs("linked injections", "environment", scope.EnvID, "field", scope.FieldID); err != nil {
			return nil, err
		}
		var ids []string
		for _, id := range tree.Injections(scope.EnvID, scope.FieldID) {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		return ids, nil
	case domain.KindSessions:
		return nil, nil
	}
	return nil, domain.Precondition("linked", "unknown catalog "+string(kind))
}

// Available returns the catalog items of kind not linked within scope.
func (c *Controller) Available(sessionID string, kind domain.CatalogKind, scope Scope) ([]domain.Identified, error) {
	linked, err := c.Linked(sessionID, kind, scope)
	if err != nil {
		return nil, err
	}
	return DeriveAvailable(c.store.Catalog(kind), linked), nil
}
