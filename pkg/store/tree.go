package store

import (
	"encoding/json"
	"slices"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/merge"
	"github.com/nstogner/qdash/pkg/pathtree"
)

// Tree is a read-only view of one session's configuration:
//
//	envs.<env>.modules.<module>.fields.<field>   = {}
//	envs.<env>.modules.<module>.methods.<method> = {}
//	envs.<env>.injections.<field>.<position>     = <injection id>
//
// Trees returned by the Store are deep copies and safe to keep.
type Tree struct {
	root pathtree.Node
}

// NewTree returns an empty session tree.
func NewTree() Tree {
	return Tree{root: newRoot()}
}

// TreeFrom wraps a decoded tree, e.g. a persisted draft.
func TreeFrom(root pathtree.Node) Tree {
	if root == nil {
		root = newRoot()
	}
	pathtree.EnsurePath(root, merge.KeyEnvs)
	return Tree{root: root}
}

func newRoot() pathtree.Node {
	return pathtree.Node{merge.KeyEnvs: pathtree.Node{}}
}

// Root exposes the underlying node.
func (t Tree) Root() pathtree.Node { return t.root }

// EnvsNode returns the "envs" subtree, the object sent at simulation start.
func (t Tree) EnvsNode() pathtree.Node {
	envs, ok := pathtree.Lookup(t.root, merge.KeyEnvs)
	if !ok {
		return pathtree.Node{}
	}
	return envs
}

// Empty reports whether no environment is linked.
func (t Tree) Empty() bool { return len(t.EnvsNode()) == 0 }

func (t Tree) Envs() []string { return pathtree.Keys(t.EnvsNode()) }

func (t Tree) HasEnv(env string) bool {
	return pathtree.Has(t.root, merge.KeyEnvs, env)
}

func (t Tree) Modules(env string) []string {
	return t.keys(merge.KeyEnvs, env, merge.KeyModules)
}

func (t Tree) HasModule(env, module string) bool {
	return pathtree.Has(t.root, merge.KeyEnvs, env, merge.KeyModules, module)
}

func (t Tree) Fields(env, module string) []string {
	return t.keys(merge.KeyEnvs, env, merge.KeyModules, module, merge.KeyFields)
}

func (t Tree) Methods(env, module string) []string {
	return t.keys(merge.KeyEnvs, env, merge.KeyModules, module, merge.KeyMethods)
}

// FieldMeta returns the metadata stored for a linked field.
func (t Tree) FieldMeta(env, module, field string) (map[string]any, bool) {
	return pathtree.Lookup(t.root, merge.KeyEnvs, env, merge.KeyModules, module, merge.KeyFields, field)
}

// Injections returns the position -> injection assignments of a field.
func (t Tree) Injections(env, field string) map[domain.PositionKey]string {
	bucket, ok := pathtree.Lookup(t.root, merge.KeyEnvs, env, merge.KeyInjections, field)
	if !ok {
		return nil
	}
	out := make(map[domain.PositionKey]string, len(bucket))
	for k, v := range bucket {
		if id, ok := v.(string); ok {
			out[domain.PositionKey(k)] = id
		}
	}
	return out
}

// InjectedFields returns the fields of env that have an injection bucket.
func (t Tree) InjectedFields(env string) []string {
	return t.keys(merge.KeyEnvs, env, merge.KeyInjections)
}

// InjectionAt returns the injection assigned at a position.
func (t Tree) InjectionAt(env, field string, pos domain.PositionKey) (string, bool) {
	v, ok := pathtree.Value(t.root, merge.KeyEnvs, env, merge.KeyInjections, field, string(pos))
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// PositionsOf returns the sorted positions of field holding injection.
func (t Tree) PositionsOf(env, field, injection string) []domain.PositionKey {
	var out []domain.PositionKey
	for k, v := range t.Injections(env, field) {
		if v == injection {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// LinkedModuleSet returns the linked modules of env as a set.
func (t Tree) LinkedModuleSet(env string) map[string]bool {
	set := make(map[string]bool)
	for _, m := range t.Modules(env) {
		set[m] = true
	}
	return set
}

func (t Tree) keys(path ...string) []string {
	n, ok := pathtree.Lookup(t.root, path...)
	if !ok {
		return nil
	}
	return pathtree.Keys(n)
}

// MarshalJSON encodes the full tree.
func (t Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.root)
}

// UnmarshalJSON decodes a tree, tolerating a missing envs level.
func (t *Tree) UnmarshalJSON(b []byte) error {
	var root pathtree.Node
	if err := json.Unmarshal(b, &root); err != nil {
		return err
	}
	*t = TreeFrom(root)
	return nil
}
