package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nstogner/qdash/pkg/controller"
	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/store"
	"github.com/nstogner/qdash/pkg/transport"
	"github.com/nstogner/qdash/pkg/transport/memory"
)

func newTestController(t *testing.T) *controller.Controller {
	t.Helper()
	s := store.New()
	tr := memory.New(nil)
	t.Cleanup(func() { tr.Close() })
	s.SetActiveSession(&domain.Session{ID: "s1"})
	return controller.New(s, transport.NewClient(tr, "u1"), controller.Options{})
}

func TestExecuteLinkAndAssign(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	steps := []struct {
		line string
		want string
	}{
		{"/link env E", "Linked env E"},
		{"/link env E", "Nothing changed for E"},
		{"/link module E M", "Linked module E/M"},
		{"/link field E M f1", "Linked field E/M/f1"},
		{"/assign E M f1 [0,0,0] inj-1", "Assigned inj-1 at [0,0,0]"},
		{"/assign E M f1 [0,0,0] inj-1", "Removed inj-1 at [0,0,0]"},
		{"/unlink field E M f1", "Unlinked field E/M/f1"},
	}
	for _, st := range steps {
		got, err := execute(ctx, ctrl, "s1", st.line)
		if err != nil {
			t.Fatalf("%s: %v", st.line, err)
		}
		if got != st.want {
			t.Errorf("%s = %q, want %q", st.line, got, st.want)
		}
	}
}

func TestExecuteErrors(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()

	if _, err := execute(ctx, ctrl, "s1", "/link module E M"); !errors.Is(err, domain.ErrPrecondition) {
		t.Errorf("module under unlinked env: err = %v", err)
	}
	for _, line := range []string{"/link env", "/link planet X", "/sm E maybe", "/assign E M"} {
		if _, err := execute(ctx, ctrl, "s1", line); !errors.Is(err, errUsage) {
			t.Errorf("%s: err = %v, want usage", line, err)
		}
	}
	if _, err := execute(ctx, ctrl, "s1", "/dance"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestExecuteAvailableAndFill(t *testing.T) {
	ctrl := newTestController(t)
	ctx := context.Background()
	ctrl.Store().SetCatalog(domain.KindEnvironments, []domain.Identified{
		domain.Entity{ID: "E", Attrs: map[string]any{"dims": []any{2.0, 2.0}}},
		domain.ID("F"),
	})
	execute(ctx, ctrl, "s1", "/link env E")

	got, err := execute(ctx, ctrl, "s1", "/available environments")
	if err != nil || got != "Available environments: F" {
		t.Errorf("available = %q, %v", got, err)
	}
	got, err = execute(ctx, ctrl, "s1", "/fill E M f1 inj-1")
	if err != nil || got != "Assigned inj-1 at 4 positions" {
		t.Errorf("fill = %q, %v", got, err)
	}
}

func TestRenderTree(t *testing.T) {
	s := store.New()
	s.SetActiveSession(&domain.Session{ID: "s1"})
	s.LinkEnvironment("s1", "E")
	s.LinkModule("s1", "E", "qed")
	s.LinkField("s1", "E", "qed", "photon")
	s.AssignInjection("s1", "E", "photon", "[0,0,0]", "inj-1")
	s.AssignInjection("s1", "E", "photon", "[1,0,0]", "inj-1")

	tree, _ := s.Tree("s1")
	out := renderTree(tree, func(string) bool { return true })
	for _, want := range []string{"Environment `E` (Standard Model)", "module `qed`", "fields: photon", "inj-1 x2"} {
		if !strings.Contains(out, want) {
			t.Errorf("render missing %q:\n%s", want, out)
		}
	}

	empty, _ := s.Tree("none")
	if out := renderTree(empty, func(string) bool { return false }); !strings.Contains(out, "No environments linked") {
		t.Errorf("empty render = %q", out)
	}
}
