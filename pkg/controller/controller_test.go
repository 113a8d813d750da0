package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/store"
	"github.com/nstogner/qdash/pkg/transport"
	"github.com/nstogner/qdash/pkg/transport/memory"
)

type testEnv struct {
	c     *Controller
	store *store.Store
	tr    *memory.Transport
}

func newTestController(t *testing.T, opts Options) testEnv {
	t.Helper()
	s := store.New()
	tr := memory.New(nil)
	t.Cleanup(func() { tr.Close() })
	c := New(s, transport.NewClient(tr, "u1"), opts)
	s.SetActiveSession(&domain.Session{ID: "s1"})
	return testEnv{c: c, store: s, tr: tr}
}

func entity(id string, attrs map[string]any) domain.Entity {
	return domain.Entity{ID: id, Attrs: attrs}
}

func sentTypes(tr *memory.Transport) []string {
	var out []string
	for _, env := range tr.Sent() {
		out = append(out, env.Type)
	}
	return out
}

func smCatalogs(s *store.Store) {
	s.SetCatalog(domain.KindModules, []domain.Identified{
		entity("qed", map[string]any{"origin": "sm", "fields": []any{"photon", "electron", "custom"}}),
		entity("qcd", map[string]any{"origin": "SM", "fields": []any{map[string]any{"id": "gluon"}}}),
		entity("mine", map[string]any{"origin": "user", "fields": []any{"custom"}}),
	})
	s.SetCatalog(domain.KindFields, []domain.Identified{
		entity("photon", map[string]any{"origin": "SM"}),
		entity("electron", map[string]any{"origin": "SM"}),
		entity("gluon", map[string]any{"origin": "SM"}),
		domain.ID("custom"),
	})
}

func TestActivateRequestsSessionCatalogs(t *testing.T) {
	te := newTestController(t, Options{})
	te.store.SetCatalog(domain.KindSessions, []domain.Identified{
		entity("s2", map[string]any{"created_at": "2026-01-02T03:04:05Z", "name": "two"}),
	})

	if err := te.c.Activate(context.Background(), "s2"); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	active := te.store.ActiveSession()
	if active == nil || active.ID != "s2" || active.CreatedAt.IsZero() || active.Meta["name"] != "two" {
		t.Errorf("active = %+v", active)
	}
	want := []string{
		"GET_USERS_ENVS", "GET_SESSIONS_ENVS",
		"LIST_USERS_MODULES", "GET_SESSIONS_MODULES",
		"LIST_USERS_FIELDS", "GET_INJ_USER", "GET_USERS_METHODS",
	}
	if diff := cmp.Diff(want, sentTypes(te.tr)); diff != "" {
		t.Errorf("requests (-want +got):\n%s", diff)
	}
	if !te.store.Loading(domain.KindModules) {
		t.Error("modules not marked loading")
	}
	if err := te.c.Activate(context.Background(), ""); !errors.Is(err, domain.ErrPrecondition) {
		t.Errorf("empty id: err = %v, want precondition", err)
	}
}

func TestLinkModuleLinksDeclaredFields(t *testing.T) {
	te := newTestController(t, Options{})
	smCatalogs(te.store)

	if _, err := te.c.LinkModule("s1", "E", "qed"); !errors.Is(err, domain.ErrPrecondition) {
		t.Errorf("link under missing env: err = %v, want precondition", err)
	}
	te.c.LinkEnvironment("s1", "E")
	if _, err := te.c.LinkModule("s1", "E", "qed"); err != nil {
		t.Fatalf("LinkModule: %v", err)
	}
	tree, _ := te.store.Tree("s1")
	if diff := cmp.Diff([]string{"custom", "electron", "photon"}, tree.Fields("E", "qed")); diff != "" {
		t.Errorf("fields (-want +got):\n%s", diff)
	}
}

func TestToggleStandardModelRoundTrip(t *testing.T) {
	te := newTestController(t, Options{})
	smCatalogs(te.store)
	te.c.LinkEnvironment("s1", "E")
	// Pre-existing links the toggle must leave alone.
	te.store.LinkModule("s1", "E", "qed")
	te.store.LinkField("s1", "E", "qed", "custom")
	te.store.LinkModule("s1", "E", "mine")
	te.store.AssignInjection("s1", "E", "photon", "[0,0,0]", "inj-1")
	before := te.c.SnapshotForSimulationStart("s1")

	if err := te.c.ToggleStandardModel("s1", "E", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	tree, _ := te.store.Tree("s1")
	if diff := cmp.Diff([]string{"mine", "qcd", "qed"}, tree.Modules("E")); diff != "" {
		t.Errorf("modules after enable (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"custom", "electron", "photon"}, tree.Fields("E", "qed")); diff != "" {
		t.Errorf("qed fields after enable (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"gluon"}, tree.Fields("E", "qcd")); diff != "" {
		t.Errorf("qcd fields after enable (-want +got):\n%s", diff)
	}
	if !te.store.StandardModelEnabled("s1", "E") {
		t.Error("flag not set after enable")
	}

	if err := te.c.ToggleStandardModel("s1", "E", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if diff := cmp.Diff(before, te.c.SnapshotForSimulationStart("s1")); diff != "" {
		t.Errorf("round trip changed tree (-before +after):\n%s", diff)
	}
	if te.store.StandardModelEnabled("s1", "E") {
		t.Error("flag still set after disable")
	}
}

func TestToggleStandardModelAfterBackendClear(t *testing.T) {
	te := newTestController(t, Options{})
	smCatalogs(te.store)
	te.c.LinkEnvironment("s1", "E")
	ctx := context.Background()

	if err := te.c.ToggleStandardModel("s1", "E", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	te.c.Dispatch(ctx, transport.Envelope{
		Type: transport.TypeLinkData,
		Data: json.RawMessage(`{"s1":{"envs":{"E":{"modules":{}}}}}`),
	})
	tree, _ := te.store.Tree("s1")
	if mods := tree.Modules("E"); len(mods) != 0 {
		t.Fatalf("modules after backend clear = %v, want none", mods)
	}
	if te.store.StandardModelEnabled("s1", "E") {
		t.Fatal("flag still set after backend clear")
	}

	if err := te.c.ToggleStandardModel("s1", "E", true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	tree, _ = te.store.Tree("s1")
	if diff := cmp.Diff([]string{"qcd", "qed"}, tree.Modules("E")); diff != "" {
		t.Errorf("modules after re-enable (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"electron", "photon"}, tree.Fields("E", "qed")); diff != "" {
		t.Errorf("qed fields after re-enable (-want +got):\n%s", diff)
	}
	if !te.store.StandardModelEnabled("s1", "E") {
		t.Error("flag not set after re-enable")
	}

	if err := te.c.ToggleStandardModel("s1", "E", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	tree, _ = te.store.Tree("s1")
	if mods := tree.Modules("E"); len(mods) != 0 {
		t.Errorf("modules after disable = %v, want none", mods)
	}
}

func TestToggleStandardModelAfterManualUnlink(t *testing.T) {
	te := newTestController(t, Options{})
	smCatalogs(te.store)
	te.c.LinkEnvironment("s1", "E")

	te.c.ToggleStandardModel("s1", "E", true)
	te.c.UnlinkModule("s1", "E", "qcd")
	if err := te.c.ToggleStandardModel("s1", "E", true); err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	tree, _ := te.store.Tree("s1")
	if diff := cmp.Diff([]string{"gluon"}, tree.Fields("E", "qcd")); diff != "" {
		t.Errorf("qcd fields after re-enable (-want +got):\n%s", diff)
	}
	te.c.ToggleStandardModel("s1", "E", false)
	tree, _ = te.store.Tree("s1")
	if mods := tree.Modules("E"); len(mods) != 0 {
		t.Errorf("modules after disable = %v, want none", mods)
	}
}

func TestToggleStandardModelRequiresLinkedEnv(t *testing.T) {
	te := newTestController(t, Options{})
	smCatalogs(te.store)
	err := te.c.ToggleStandardModel("s1", "E", true)
	var pe *domain.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want PreconditionError", err)
	}
	if n := len(te.store.Snapshot("s1")); n != 0 {
		t.Errorf("snapshot has %d envs, want 0", n)
	}
}

func TestStandardModelPrecedence(t *testing.T) {
	te := newTestController(t, Options{StandardModel: map[string][]string{"override": {"x"}}})
	smCatalogs(te.store)

	if diff := cmp.Diff(map[string][]string{"override": {"x"}}, te.c.StandardModel("s1", "E")); diff != "" {
		t.Errorf("override (-want +got):\n%s", diff)
	}
	te.store.MergeStandardModel(map[string]any{"s1": map[string]any{"E": map[string]any{"declared": []any{"y"}}}})
	if diff := cmp.Diff(map[string][]string{"declared": {"y"}}, te.c.StandardModel("s1", "E")); diff != "" {
		t.Errorf("declared (-want +got):\n%s", diff)
	}
}

func TestDeriveStandardModel(t *testing.T) {
	s := store.New()
	smCatalogs(s)
	got := DeriveStandardModel(s.Catalog(domain.KindModules), s.Catalog(domain.KindFields))
	want := map[string][]string{"qed": {"photon", "electron"}, "qcd": {"gluon"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if got := DeriveStandardModel(s.Catalog(domain.KindModules), nil); len(got) != 0 {
		t.Errorf("without fields = %v, want empty", got)
	}
}

func TestAssignToggles(t *testing.T) {
	te := newTestController(t, Options{})
	sel := Selection{SessionID: "s1", EnvID: "E", ModuleID: "M", FieldID: "f1"}

	assigned, err := te.c.Assign(sel, "[0, 0, 0]", "inj-1")
	if err != nil || !assigned {
		t.Fatalf("first assign = %v, %v", assigned, err)
	}
	tree, _ := te.store.Tree("s1")
	if id, _ := tree.InjectionAt("E", "f1", "[0,0,0]"); id != "inj-1" {
		t.Fatalf("InjectionAt = %q, want inj-1", id)
	}

	assigned, err = te.c.Assign(sel, "[0,0,0]", "inj-1")
	if err != nil || assigned {
		t.Fatalf("second assign = %v, %v", assigned, err)
	}
	tree, _ = te.store.Tree("s1")
	if _, ok := tree.InjectionAt("E", "f1", "[0,0,0]"); ok {
		t.Error("[0,0,0] still assigned after toggle")
	}

	te.c.Assign(sel, "[0,0,0]", "inj-1")
	te.c.Assign(sel, "[0,0,0]", "inj-2")
	tree, _ = te.store.Tree("s1")
	if id, _ := tree.InjectionAt("E", "f1", "[0,0,0]"); id != "inj-2" {
		t.Errorf("overwrite: InjectionAt = %q, want inj-2", id)
	}
}

func TestAssignPreconditions(t *testing.T) {
	te := newTestController(t, Options{})
	before := te.store.Snapshot("s1")

	tests := []struct {
		name string
		sel  Selection
		pos  domain.PositionKey
		inj  string
	}{
		{name: "no env", sel: Selection{SessionID: "s1", ModuleID: "M", FieldID: "f1"}, pos: "[0]", inj: "i"},
		{name: "no module", sel: Selection{SessionID: "s1", EnvID: "E", FieldID: "f1"}, pos: "[0]", inj: "i"},
		{name: "no field", sel: Selection{SessionID: "s1", EnvID: "E", ModuleID: "M"}, pos: "[0]", inj: "i"},
		{name: "no injection", sel: Selection{SessionID: "s1", EnvID: "E", ModuleID: "M", FieldID: "f1"}, pos: "[0]"},
		{name: "bad position", sel: Selection{SessionID: "s1", EnvID: "E", ModuleID: "M", FieldID: "f1"}, pos: "0,0", inj: "i"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := te.c.Assign(tt.sel, tt.pos, tt.inj); !errors.Is(err, domain.ErrPrecondition) {
				t.Errorf("err = %v, want precondition", err)
			}
		})
	}
	if diff := cmp.Diff(before, te.store.Snapshot("s1")); diff != "" {
		t.Errorf("store touched (-before +after):\n%s", diff)
	}
}

func TestAssignFieldWholeGrid(t *testing.T) {
	te := newTestController(t, Options{})
	te.store.SetCatalog(domain.KindEnvironments, []domain.Identified{
		entity("E", map[string]any{"dims": []any{2.0, 2.0, 1.0}}),
	})
	sel := Selection{SessionID: "s1", EnvID: "E", ModuleID: "M", FieldID: "f1"}

	assigned, n, err := te.c.AssignField(sel, "inj-1")
	if err != nil || !assigned || n != 4 {
		t.Fatalf("AssignField = %v, %d, %v; want true, 4", assigned, n, err)
	}
	tree, _ := te.store.Tree("s1")
	want := []domain.PositionKey{"[0,0,0]", "[0,1,0]", "[1,0,0]", "[1,1,0]"}
	if diff := cmp.Diff(want, tree.PositionsOf("E", "f1", "inj-1")); diff != "" {
		t.Errorf("positions (-want +got):\n%s", diff)
	}

	// Present anywhere: removed everywhere, other injections kept.
	te.c.Assign(sel, "[1,1,0]", "inj-2")
	assigned, n, err = te.c.AssignField(sel, "inj-1")
	if err != nil || assigned || n != 3 {
		t.Fatalf("second AssignField = %v, %d, %v; want false, 3", assigned, n, err)
	}
	tree, _ = te.store.Tree("s1")
	if diff := cmp.Diff(map[domain.PositionKey]string{"[1,1,0]": "inj-2"}, tree.Injections("E", "f1")); diff != "" {
		t.Errorf("remaining (-want +got):\n%s", diff)
	}
}

func TestAssignFieldDefaultGrid(t *testing.T) {
	te := newTestController(t, Options{})
	sel := Selection{SessionID: "s1", EnvID: "E", ModuleID: "M", FieldID: "f1"}
	_, n, err := te.c.AssignField(sel, "inj-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 8*8*8 {
		t.Errorf("assigned %d positions, want %d", n, 8*8*8)
	}
}

func TestAssignFieldRejectsOversizedGrid(t *testing.T) {
	te := newTestController(t, Options{})
	te.store.SetCatalog(domain.KindEnvironments, []domain.Identified{
		entity("Huge", map[string]any{"dims": []any{256.0, 256.0, 256.0, 256.0, 256.0, 256.0}}),
		entity("Plain", map[string]any{}),
	})

	sel := Selection{SessionID: "s1", EnvID: "Huge", ModuleID: "M", FieldID: "f1"}
	assigned, n, err := te.c.AssignField(sel, "inj-1")
	if !errors.Is(err, domain.ErrPrecondition) {
		t.Fatalf("AssignField = %v, %d, %v; want precondition error", assigned, n, err)
	}
	tree, _ := te.store.Tree("s1")
	if got := tree.Injections("Huge", "f1"); len(got) != 0 {
		t.Errorf("oversized grid assigned %d positions", len(got))
	}

	// A catalog env without sizing uses the default grid.
	sel.EnvID = "Plain"
	if _, n, err := te.c.AssignField(sel, "inj-1"); err != nil || n != 8*8*8 {
		t.Errorf("default grid = %d, %v; want %d", n, err, 8*8*8)
	}
}

func TestAssignSelectedRejectsTooManyPositions(t *testing.T) {
	te := newTestController(t, Options{})
	sel := Selection{SessionID: "s1", EnvID: "E", ModuleID: "M", FieldID: "f1"}
	positions := make([]domain.PositionKey, domain.MaxGridNodes+1)
	for i := range positions {
		positions[i] = domain.Position{i}.Key()
	}
	if _, err := te.c.AssignSelected(sel, positions, "inj-1", ModeAssign); !errors.Is(err, domain.ErrPrecondition) {
		t.Errorf("err = %v, want precondition error", err)
	}
}

func TestAssignSelected(t *testing.T) {
	te := newTestController(t, Options{})
	sel := Selection{SessionID: "s1", EnvID: "E", ModuleID: "M", FieldID: "f1"}
	positions := []domain.PositionKey{"[0,0]", "[0, 1]", "[1,0]"}

	n, err := te.c.AssignSelected(sel, positions, "inj-1", ModeAssign)
	if err != nil || n != 3 {
		t.Fatalf("assign = %d, %v", n, err)
	}
	n, err = te.c.AssignSelected(sel, positions[:2], "", ModeUnassign)
	if err != nil || n != 2 {
		t.Fatalf("unassign = %d, %v", n, err)
	}
	tree, _ := te.store.Tree("s1")
	if diff := cmp.Diff(map[domain.PositionKey]string{"[1,0]": "inj-1"}, tree.Injections("E", "f1")); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if _, err := te.c.AssignSelected(sel, []domain.PositionKey{"[0,0]", "bogus"}, "inj-9", ModeAssign); !errors.Is(err, domain.ErrPrecondition) {
		t.Errorf("bad position: err = %v", err)
	}
	tree, _ = te.store.Tree("s1")
	if id, _ := tree.InjectionAt("E", "f1", "[0,0]"); id == "inj-9" {
		t.Error("partial apply before rejection")
	}
}

func TestPartitionReconstructsCatalog(t *testing.T) {
	tests := []struct {
		name   string
		items  []domain.Identified
		linked []string
	}{
		{name: "raw ids", items: []domain.Identified{domain.ID("a"), domain.ID("b"), domain.ID("c")}, linked: []string{"b"}},
		{name: "objects", items: []domain.Identified{entity("a", nil), entity("b", map[string]any{"x": 1.0})}, linked: []string{"a", "b"}},
		{name: "mixed", items: []domain.Identified{domain.ID("a"), entity("b", nil), domain.ID("c")}, linked: []string{"c", "zz"}},
		{name: "empty", items: nil, linked: []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			available, selected := Partition(tt.items, tt.linked)
			if len(available)+len(selected) != len(tt.items) {
				t.Fatalf("lost or duplicated items: %d + %d != %d", len(available), len(selected), len(tt.items))
			}
			// Merge back in catalog order.
			var rebuilt []domain.Identified
			ai, si := 0, 0
			linked := make(map[string]bool)
			for _, id := range tt.linked {
				linked[id] = true
			}
			for _, it := range tt.items {
				if linked[domain.IDOf(it)] {
					rebuilt = append(rebuilt, selected[si])
					si++
				} else {
					rebuilt = append(rebuilt, available[ai])
					ai++
				}
			}
			if diff := cmp.Diff(tt.items, rebuilt); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(available, DeriveAvailable(tt.items, tt.linked)); diff != "" {
				t.Errorf("DeriveAvailable differs from Partition (-partition +derive):\n%s", diff)
			}
		})
	}
}

func TestAvailable(t *testing.T) {
	te := newTestController(t, Options{})
	te.store.SetCatalog(domain.KindEnvironments, []domain.Identified{domain.ID("E1"), domain.ID("E2")})
	te.store.SetCatalog(domain.KindInjections, []domain.Identified{entity("inj-1", nil), entity("inj-2", nil)})
	te.c.LinkEnvironment("s1", "E1")
	te.store.AssignInjection("s1", "E1", "f1", "[0]", "inj-2")

	got, err := te.c.Available("s1", domain.KindEnvironments, Scope{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"E2"}, domain.IDs(got)); diff != "" {
		t.Errorf("envs (-want +got):\n%s", diff)
	}
	got, err = te.c.Available("s1", domain.KindInjections, Scope{EnvID: "E1", FieldID: "f1"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"inj-1"}, domain.IDs(got)); diff != "" {
		t.Errorf("injections (-want +got):\n%s", diff)
	}
	if _, err := te.c.Available("s1", domain.KindModules, Scope{}); !errors.Is(err, domain.ErrPrecondition) {
		t.Errorf("modules without env: err = %v", err)
	}
}

func TestHasUnsavedConfig(t *testing.T) {
	te := newTestController(t, Options{})
	if te.c.HasUnsavedConfig("s1") {
		t.Error("empty session reported unsaved config")
	}
	te.c.LinkEnvironment("s1", "E")
	if !te.c.HasUnsavedConfig("s1") {
		t.Error("linked env not reported as unsaved")
	}
	if te.c.HasUnsavedConfig("unknown") {
		t.Error("unknown session reported unsaved config")
	}
}

func TestSelectDetailFetchesMissingSeries(t *testing.T) {
	te := newTestController(t, Options{})
	te.store.SetCatalog(domain.KindInjections, []domain.Identified{
		entity("empty", nil),
		entity("loaded", map[string]any{"data": []any{[]any{0.0, 1.0}}}),
	})
	ctx := context.Background()

	te.c.SelectDetail(ctx, domain.KindInjections, "loaded")
	te.c.SelectDetail(ctx, domain.KindInjections, "empty")
	te.c.SelectDetail(ctx, domain.KindModules, "qed")

	sent := te.tr.Sent()
	if len(sent) != 2 {
		t.Fatalf("sent %v, want 2 requests", sentTypes(te.tr))
	}
	if sent[0].Type != transport.TypeInjectionDetail || sent[0].Auth.InjectionID != "empty" {
		t.Errorf("first request = %+v", sent[0])
	}
	if sent[1].Type != transport.TypeItemDetail || sent[1].Auth.ItemID != "qed" {
		t.Errorf("second request = %+v", sent[1])
	}
	if domain.IDOf(te.store.ActiveDetail()) != "qed" {
		t.Errorf("active detail = %v", te.store.ActiveDetail())
	}
}

type fakeRuns struct {
	mu   sync.Mutex
	runs []domain.RunRecord
}

func (f *fakeRuns) RecordRun(_ context.Context, r *domain.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *r)
	return nil
}

func (f *fakeRuns) ListRuns(_ context.Context, sessionID string) ([]domain.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.RunRecord
	for _, r := range f.runs {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (*domain.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.runs {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("run not found: %s", id)
}

type fakeLauncher struct {
	launched []string
	err      error
}

func (f *fakeLauncher) Launch(_ context.Context, run domain.RunRecord) (string, error) {
	f.launched = append(f.launched, run.ID)
	return "c-" + run.ID, f.err
}
func (f *fakeLauncher) Status(context.Context, string) (string, error) { return "running", nil }
func (f *fakeLauncher) Stop(context.Context, string) error              { return nil }
func (f *fakeLauncher) Run(ctx context.Context) error                   { <-ctx.Done(); return ctx.Err() }
func (f *fakeLauncher) Close() error                                    { return nil }

func TestStartSimulation(t *testing.T) {
	runs := &fakeRuns{}
	l := &fakeLauncher{}
	te := newTestController(t, Options{Runs: runs, Launcher: l})
	te.c.LinkEnvironment("s1", "E")
	te.store.LinkModule("s1", "E", "M")
	te.store.AssignInjection("s1", "E", "f1", "[0,0,0]", "inj-1")
	ctx := context.Background()

	run, err := te.c.StartSimulation(ctx, "s1")
	if err != nil {
		t.Fatalf("StartSimulation: %v", err)
	}

	sent := te.tr.Sent()
	if len(sent) != 1 || sent[0].Type != transport.TypeStartSimulation {
		t.Fatalf("sent %v", sentTypes(te.tr))
	}
	var payload struct {
		Config map[string]any `json:"config"`
	}
	if err := json.Unmarshal(sent[0].Data, &payload); err != nil {
		t.Fatal(err)
	}
	var snapshot map[string]any
	if err := json.Unmarshal(run.Config, &snapshot); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(snapshot, payload.Config); diff != "" {
		t.Errorf("sent config differs from snapshot (-snapshot +sent):\n%s", diff)
	}

	got, _ := te.c.Runs(ctx, "s1")
	if len(got) != 1 || got[0].ID != run.ID || got[0].Digest == "" {
		t.Errorf("runs = %+v", got)
	}
	if diff := cmp.Diff([]string{run.ID}, l.launched); diff != "" {
		t.Errorf("launched (-want +got):\n%s", diff)
	}

	l.err = errors.New("no image")
	if _, err := te.c.StartSimulation(ctx, "s1"); err == nil {
		t.Error("expected launch error")
	}
}

func TestStartSimulationAfterMalformedPositionMerge(t *testing.T) {
	te := newTestController(t, Options{})
	ctx := context.Background()
	te.c.Dispatch(ctx, transport.Envelope{
		Type: transport.TypeLinkData,
		Data: json.RawMessage(`{"s1":{"envs":{"E":{"injections":{"f1":{"0,0,0":"inj-1","[1, 0, 0]":"inj-2"}}}}}}`),
	})

	if _, err := te.c.StartSimulation(ctx, "s1"); err != nil {
		t.Fatalf("StartSimulation: %v", err)
	}
	tree, _ := te.store.Tree("s1")
	want := map[domain.PositionKey]string{"[1,0,0]": "inj-2"}
	if diff := cmp.Diff(want, tree.Injections("E", "f1")); diff != "" {
		t.Errorf("injections (-want +got):\n%s", diff)
	}
}

func TestDispatchCatalogsAndMerges(t *testing.T) {
	te := newTestController(t, Options{})
	ctx := context.Background()
	env := func(typ, data string) transport.Envelope {
		return transport.Envelope{Type: typ, Data: json.RawMessage(data)}
	}

	te.c.Dispatch(ctx, env("LIST_USERS_SESSIONS", `{"sessions":["s1",{"id":"s2"}]}`))
	te.c.Dispatch(ctx, env("GET_INJ_USER", `{"data":{"injections":[{"id":"inj-1"},{"id":"inj-2"}]}}`))
	te.c.Dispatch(ctx, env("LIST_USERS_MODULES", `{"modules":[{"id":"qed","origin":"SM","fields":["photon"]}]}`))
	te.c.Dispatch(ctx, env("LIST_USERS_FIELDS", `{"fields":[{"id":"photon","origin":"SM"}]}`))

	if diff := cmp.Diff([]string{"s1", "s2"}, domain.IDs(te.store.Catalog(domain.KindSessions))); diff != "" {
		t.Errorf("sessions (-want +got):\n%s", diff)
	}
	if n := len(te.store.Catalog(domain.KindInjections)); n != 2 {
		t.Errorf("injections = %d, want 2", n)
	}

	// Backend reports env E with exactly the SM modules linked.
	te.c.Dispatch(ctx, env("LINK_DATA", `{"sessions":{"s1":{"envs":{"E":{"modules":{"qed":{"fields":["photon"]}},"injections":{"photon":{"[1, 0, 0]":"inj-1"}}}}}}}`))
	tree, _ := te.store.Tree("s1")
	if id, _ := tree.InjectionAt("E", "photon", "[1,0,0]"); id != "inj-1" {
		t.Errorf("merged injection = %q", id)
	}
	if !te.store.StandardModelEnabled("s1", "E") {
		t.Error("SM flag not derived after merge")
	}

	te.c.Dispatch(ctx, env("INJECTION_DELETED", `{"injection_id":"inj-1"}`))
	tree, _ = te.store.Tree("s1")
	if _, ok := tree.InjectionAt("E", "photon", "[1,0,0]"); ok {
		t.Error("deleted injection still assigned")
	}
	if n := len(te.store.Catalog(domain.KindInjections)); n != 1 {
		t.Errorf("injections after delete = %d, want 1", n)
	}

	te.store.SetCatalog(domain.KindEnvironments, []domain.Identified{domain.ID("E"), domain.ID("F")})
	te.c.Dispatch(ctx, transport.Envelope{Type: "DEL_ENV", EnvID: "F"})
	if diff := cmp.Diff([]string{"E"}, domain.IDs(te.store.Catalog(domain.KindEnvironments))); diff != "" {
		t.Errorf("envs after delete (-want +got):\n%s", diff)
	}

	te.c.Dispatch(ctx, env("GET_SESSIONS_ENVS", `{"envs":["G"]}`))
	tree, _ = te.store.Tree("s1")
	if !tree.HasEnv("G") || !tree.HasEnv("E") {
		t.Errorf("session env list not merged: %v", tree.Envs())
	}

	te.c.Dispatch(ctx, env("GET_INJECTION", `{"id":"inj-2","data":[[0,1]]}`))
	if _, ok := domain.Attr(te.store.Catalog(domain.KindInjections)[0], "data"); !ok {
		t.Error("injection detail not merged")
	}
}

func TestDispatchEnableSM(t *testing.T) {
	te := newTestController(t, Options{})
	te.c.LinkEnvironment("s1", "E")
	te.store.LinkModule("s1", "E", "a")

	te.c.Dispatch(context.Background(), transport.Envelope{
		Type: transport.TypeEnableSM,
		Data: json.RawMessage(`{"s1":{"E":{"a":["x"]}}}`),
	})
	if !te.store.StandardModelEnabled("s1", "E") {
		t.Error("declared SM set matches linked modules but flag not set")
	}
}

func TestStartLoopRefetchesOnReconnect(t *testing.T) {
	te := newTestController(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- te.c.Start(ctx) }()

	// memory.New reports connected once at startup.
	waitFor(t, func() bool { return te.store.Connection().IsConnected })
	waitFor(t, func() bool { return countType(te.tr, "GET_SESSIONS_ENVS") == 1 })

	te.tr.SetStatus(domain.ConnectionStatus{Status: domain.StatusDisconnected, Error: "gone"})
	waitFor(t, func() bool { return !te.store.Connection().IsConnected })
	te.tr.SetStatus(domain.ConnectionStatus{Status: domain.StatusConnected, IsConnected: true})
	waitFor(t, func() bool { return countType(te.tr, "GET_SESSIONS_ENVS") == 2 })
	if te.store.Connection().Error != "" {
		t.Errorf("error not cleared on reconnect: %q", te.store.Connection().Error)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Start returned %v", err)
	}
}

type fakeDrafts struct {
	mu     sync.Mutex
	drafts map[string]store.Tree
}

func (f *fakeDrafts) SaveDraft(_ context.Context, sid string, tree store.Tree) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drafts[sid] = tree
	return nil
}

func (f *fakeDrafts) LoadDraft(_ context.Context, sid string) (store.Tree, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.drafts[sid]
	if !ok {
		return store.Tree{}, fmt.Errorf("draft not found: %s", sid)
	}
	return t, nil
}

func (f *fakeDrafts) ListDrafts(context.Context) ([]string, error) { return nil, nil }
func (f *fakeDrafts) DeleteDraft(context.Context, string) error    { return nil }

func (f *fakeDrafts) has(sid, env string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.drafts[sid]
	return ok && t.HasEnv(env)
}

func TestDraftsPersistAndRestore(t *testing.T) {
	drafts := &fakeDrafts{drafts: make(map[string]store.Tree)}
	te := newTestController(t, Options{Drafts: drafts})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go te.c.Start(ctx)

	// Connected means Start is past subscribing.
	waitFor(t, func() bool { return te.store.Connection().IsConnected })
	te.c.LinkEnvironment("s1", "E")
	waitFor(t, func() bool { return drafts.has("s1", "E") })

	// A fresh process restores the draft on activation.
	tr := memory.New(nil)
	defer tr.Close()
	s := store.New()
	c := New(s, transport.NewClient(tr, "u1"), Options{Drafts: drafts})
	if err := c.Activate(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	tree, _ := s.Tree("s1")
	if !tree.HasEnv("E") {
		t.Errorf("draft not restored: %v", tree.Envs())
	}
}

func TestDraftsPersistUnderEventFlood(t *testing.T) {
	drafts := &fakeDrafts{drafts: make(map[string]store.Tree)}
	te := newTestController(t, Options{Drafts: drafts})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go te.c.Start(ctx)
	waitFor(t, func() bool { return te.store.Connection().IsConnected })

	// Far more s1 changes than any subscriber buffer holds.
	sel := Selection{SessionID: "s1", EnvID: "E", ModuleID: "M", FieldID: "f1"}
	for i := 0; i < 500; i++ {
		te.c.Assign(sel, domain.Position{i, 0, 0}.Key(), "inj-1")
	}
	te.c.LinkEnvironment("s2", "E")

	waitFor(t, func() bool { return drafts.has("s2", "E") })
	waitFor(t, func() bool {
		drafts.mu.Lock()
		defer drafts.mu.Unlock()
		return len(drafts.drafts["s1"].Injections("E", "f1")) == 500
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func countType(tr *memory.Transport, typ string) int {
	n := 0
	for _, env := range tr.Sent() {
		if env.Type == typ {
			n++
		}
	}
	return n
}
