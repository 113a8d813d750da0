package controller

import (
	"fmt"

	"github.com/nstogner/qdash/pkg/domain"
)

// Selection is the env/module/field an assignment targets.
type Selection struct {
	SessionID string `json:"session_id"`
	EnvID     string `json:"env_id"`
	ModuleID  string `json:"module_id"`
	FieldID   string `json:"field_id"`
}

func (s Selection) check(op string) error {
	return requireIDs(op,
		"session", s.SessionID,
		"environment", s.EnvID,
		"module", s.ModuleID,
		"field", s.FieldID,
	)
}

// Assign puts an injection at a grid position. Assigning the injection a
// position already holds removes it instead. It reports whether the
// injection is assigned afterwards.
func (c *Controller) Assign(sel Selection, pos domain.PositionKey, injectionID string) (bool, error) {
	if err := sel.check("assign"); err != nil {
		return false, err
	}
	if injectionID == "" {
		return false, domain.Precondition("assign", "injection is required")
	}
	key, err := pos.Canonical()
	if err != nil {
		return false, domain.Precondition("assign", err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tree, _ := c.store.Tree(sel.SessionID)
	if cur, ok := tree.InjectionAt(sel.EnvID, sel.FieldID, key); ok && cur == injectionID {
		c.store.UnassignInjection(sel.SessionID, sel.EnvID, sel.FieldID, key)
		return false, nil
	}
	c.store.AssignInjection(sel.SessionID, sel.EnvID, sel.FieldID, key, injectionID)
	return true, nil
}

// AssignField toggles an injection over a whole field: when the injection
// is assigned anywhere in the field it is removed everywhere, otherwise it
// is assigned at every node of the environment's grid. It reports whether
// the injection is assigned afterwards and how many positions changed.
func (c *Controller) AssignField(sel Selection, injectionID string) (bool, int, error) {
	if err := sel.check("assign field"); err != nil {
		return false, 0, err
	}
	if injectionID == "" {
		return false, 0, domain.Precondition("assign field", "injection is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tree, _ := c.store.Tree(sel.SessionID)
	if held := tree.PositionsOf(sel.EnvID, sel.FieldID, injectionID); len(held) > 0 {
		return false, c.store.UnassignInjections(sel.SessionID, sel.EnvID, sel.FieldID, held), nil
	}

	var env *domain.Environment
	if item, ok := domain.Find(c.store.Catalog(domain.KindEnvironments), sel.EnvID); ok {
		env = domain.EnvironmentOf(item)
	}
	grid, err := domain.GridPositions(domain.GridDims(env))
	if err != nil {
		return false, 0, domain.Precondition("assign field", err.Error())
	}
	keys := make([]domain.PositionKey, len(grid))
	for i, p := range grid {
		keys[i] = p.Key()
	}
	return true, c.store.AssignInjections(sel.SessionID, sel.EnvID, sel.FieldID, keys, injectionID), nil
}

// AssignMode selects what AssignSelected does.
type AssignMode string

const (
	ModeAssign   AssignMode = "assign"
	ModeUnassign AssignMode = "unassign"
)

// AssignSelected assigns (or unassigns) an injection at each of several
// positions and returns how many positions changed. Unparseable positions
// reject the whole call before anything is touched.
func (c *Controller) AssignSelected(sel Selection, positions []domain.PositionKey, injectionID string, mode AssignMode) (int, error) {
	if err := sel.check("assign selected"); err != nil {
		return 0, err
	}
	if mode != ModeAssign && mode != ModeUnassign {
		return 0, domain.Precondition("assign selected", "unknown mode "+string(mode))
	}
	if mode == ModeAssign && injectionID == "" {
		return 0, domain.Precondition("assign selected", "injection is required")
	}
	if len(positions) > domain.MaxGridNodes {
		return 0, domain.Precondition("assign selected", fmt.Sprintf("%d positions exceed %d", len(positions), domain.MaxGridNodes))
	}
	keys := make([]domain.PositionKey, 0, len(positions))
	for _, p := range positions {
		k, err := p.Canonical()
		if err != nil {
			return 0, domain.Precondition("assign selected", err.Error())
		}
		keys = append(keys, k)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if mode == ModeAssign {
		return c.store.AssignInjections(sel.SessionID, sel.EnvID, sel.FieldID, keys, injectionID), nil
	}
	return c.store.UnassignInjections(sel.SessionID, sel.EnvID, sel.FieldID, keys), nil
}
