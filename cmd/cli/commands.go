package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/nstogner/qdash/pkg/controller"
	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/store"
)

const helpText = `Commands:
  /link env E | module E M | field E M F | method E M X
  /unlink env E | module E M | field E M F | method E M X
  /sm E on|off
  /assign E M F [x,y,z] INJ      toggle INJ at one position
  /fill E M F INJ                toggle INJ over the whole field
  /available KIND [E [M [F]]]    list unlinked catalog items
  /detail KIND ID
  /start                         send the configuration to the backend
  /runs
  /exit`

var errUsage = errors.New("usage: see /help")

// execute runs one command line against the active session and returns
// the text to show.
func execute(ctx context.Context, ctrl *controller.Controller, sessionID, line string) (string, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return "", nil
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "/help":
		return helpText, nil
	case "/link", "/unlink":
		return link(ctrl, sessionID, cmd == "/link", args)
	case "/sm":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			return "", errUsage
		}
		if err := ctrl.ToggleStandardModel(sessionID, args[0], args[1] == "on"); err != nil {
			return "", err
		}
		return fmt.Sprintf("Standard Model %s for %s", args[1], args[0]), nil
	case "/assign":
		if len(args) != 5 {
			return "", errUsage
		}
		sel := controller.Selection{SessionID: sessionID, EnvID: args[0], ModuleID: args[1], FieldID: args[2]}
		assigned, err := ctrl.Assign(sel, domain.PositionKey(args[3]), args[4])
		if err != nil {
			return "", err
		}
		if assigned {
			return fmt.Sprintf("Assigned %s at %s", args[4], args[3]), nil
		}
		return fmt.Sprintf("Removed %s at %s", args[4], args[3]), nil
	case "/fill":
		if len(args) != 4 {
			return "", errUsage
		}
		sel := controller.Selection{SessionID: sessionID, EnvID: args[0], ModuleID: args[1], FieldID: args[2]}
		assigned, n, err := ctrl.AssignField(sel, args[3])
		if err != nil {
			return "", err
		}
		if assigned {
			return fmt.Sprintf("Assigned %s at %d positions", args[3], n), nil
		}
		return fmt.Sprintf("Removed %s from %d positions", args[3], n), nil
	case "/available":
		if len(args) < 1 {
			return "", errUsage
		}
		kind, err := domain.ParseCatalogKind(args[0])
		if err != nil {
			return "", err
		}
		scope := controller.Scope{}
		rest := args[1:]
		if len(rest) > 0 {
			scope.EnvID = rest[0]
		}
		if len(rest) > 1 {
			// "/available injections E F" names the field second.
			scope.ModuleID = rest[1]
			scope.FieldID = rest[1]
		}
		if len(rest) > 2 {
			scope.FieldID = rest[2]
		}
		items, err := ctrl.Available(sessionID, kind, scope)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return fmt.Sprintf("No %s available", kind), nil
		}
		return fmt.Sprintf("Available %s: %s", kind, strings.Join(domain.IDs(items), ", ")), nil
	case "/detail":
		if len(args) != 2 {
			return "", errUsage
		}
		kind, err := domain.ParseCatalogKind(args[0])
		if err != nil {
			return "", err
		}
		if err := ctrl.SelectDetail(ctx, kind, args[1]); err != nil {
			return "", err
		}
		return describe(ctrl.Store().ActiveDetail()), nil
	case "/start":
		run, err := ctrl.StartSimulation(ctx, sessionID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Simulation started: run %s (digest %.12s)", run.ID, run.Digest), nil
	case "/runs":
		runs, err := ctrl.Runs(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if len(runs) == 0 {
			return "No runs recorded", nil
		}
		var sb strings.Builder
		for _, r := range runs {
			fmt.Fprintf(&sb, "%s  %s  %.12s\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.ID, r.Digest)
		}
		return strings.TrimRight(sb.String(), "\n"), nil
	}
	return "", fmt.Errorf("unknown command %q", cmd)
}

func link(ctrl *controller.Controller, sid string, add bool, args []string) (string, error) {
	if len(args) < 2 {
		return "", errUsage
	}
	level, ids := args[0], args[1:]
	want := map[string]int{"env": 1, "module": 2, "field": 3, "method": 3}
	if n, ok := want[level]; !ok || len(ids) != n {
		return "", errUsage
	}

	var (
		changed bool
		err     error
	)
	switch {
	case level == "env" && add:
		changed, err = ctrl.LinkEnvironment(sid, ids[0])
	case level == "env":
		changed, err = ctrl.UnlinkEnvironment(sid, ids[0])
	case level == "module" && add:
		changed, err = ctrl.LinkModule(sid, ids[0], ids[1])
	case level == "module":
		changed, err = ctrl.UnlinkModule(sid, ids[0], ids[1])
	case level == "field" && add:
		changed, err = ctrl.LinkField(sid, ids[0], ids[1], ids[2])
	case level == "field":
		changed, err = ctrl.UnlinkField(sid, ids[0], ids[1], ids[2])
	case level == "method" && add:
		changed, err = ctrl.LinkMethod(sid, ids[0], ids[1], ids[2])
	default:
		changed, err = ctrl.UnlinkMethod(sid, ids[0], ids[1], ids[2])
	}
	if err != nil {
		return "", err
	}
	target := strings.Join(ids, "/")
	switch {
	case !changed:
		return "Nothing changed for " + target, nil
	case add:
		return "Linked " + level + " " + target, nil
	}
	return "Unlinked " + level + " " + target, nil
}

func describe(item domain.Identified) string {
	if item == nil {
		return "No detail selected"
	}
	e, ok := item.(domain.Entity)
	if !ok || len(e.Attrs) == 0 {
		return domain.IDOf(item) + " (loading...)"
	}
	var sb strings.Builder
	sb.WriteString(e.ID)
	for _, k := range sortedKeys(e.Attrs) {
		fmt.Fprintf(&sb, "\n  %s: %v", k, e.Attrs[k])
	}
	return sb.String()
}

// renderTree formats a session tree as markdown for the viewport.
func renderTree(tree store.Tree, smEnabled func(env string) bool) string {
	if tree.Empty() {
		return "_No environments linked. Try `/available environments` and `/link env E`._"
	}
	var sb strings.Builder
	for _, env := range tree.Envs() {
		fmt.Fprintf(&sb, "## Environment `%s`", env)
		if smEnabled(env) {
			sb.WriteString(" (Standard Model)")
		}
		sb.WriteString("\n\n")
		for _, mod := range tree.Modules(env) {
			fmt.Fprintf(&sb, "- module `%s`\n", mod)
			if fields := tree.Fields(env, mod); len(fields) > 0 {
				fmt.Fprintf(&sb, "  - fields: %s\n", strings.Join(fields, ", "))
			}
			if methods := tree.Methods(env, mod); len(methods) > 0 {
				fmt.Fprintf(&sb, "  - methods: %s\n", strings.Join(methods, ", "))
			}
		}
		for _, field := range tree.InjectedFields(env) {
			inj := tree.Injections(env, field)
			if len(inj) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "- injections on `%s`: %d positions\n", field, len(inj))
			byInjection := make(map[string]int)
			for _, id := range inj {
				byInjection[id]++
			}
			for _, id := range sortedKeys(byInjection) {
				fmt.Fprintf(&sb, "  - %s x%d\n", id, byInjection[id])
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
