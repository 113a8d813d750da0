// Package pathtree provides path-safe access to JSON-shaped nested objects.
//
// A Node is the decoded form of a JSON object. Writers use EnsurePath so a
// leaf can always be set regardless of which ancestors exist yet; readers use
// Lookup and Object, which report absence instead of panicking on missing or
// mistyped levels.
package pathtree

import (
	"maps"
	"slices"
)

// Node is a JSON object.
type Node = map[string]any

// Object views v as a Node. Both Node and the equivalent map[string]any
// decoded by encoding/json are accepted.
func Object(v any) (Node, bool) {
	n, ok := v.(map[string]any)
	if !ok || n == nil {
		return nil, false
	}
	return n, true
}

// EnsurePath walks keys below root, creating empty objects for missing levels
// and replacing non-object values in the way, and returns the final node.
// root must be non-nil.
func EnsurePath(root Node, keys ...string) Node {
	cur := root
	for _, k := range keys {
		next, ok := Object(cur[k])
		if !ok {
			next = Node{}
			cur[k] = next
		}
		cur = next
	}
	return cur
}

// Lookup returns the node at keys, or false if any level is missing or not an object.
func Lookup(root Node, keys ...string) (Node, bool) {
	cur := root
	if cur == nil {
		return nil, false
	}
	for _, k := range keys {
		next, ok := Object(cur[k])
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Value returns the raw value stored at the last key.
func Value(root Node, keys ...string) (any, bool) {
	if len(keys) == 0 {
		return nil, false
	}
	parent, ok := Lookup(root, keys[:len(keys)-1]...)
	if !ok {
		return nil, false
	}
	v, ok := parent[keys[len(keys)-1]]
	return v, ok
}

// Has reports whether an object exists at keys.
func Has(root Node, keys ...string) bool {
	_, ok := Lookup(root, keys...)
	return ok
}

// DeletePath removes the last key from its parent. Missing ancestors make it a
// no-op; parents left empty are kept.
func DeletePath(root Node, keys ...string) {
	if len(keys) == 0 {
		return
	}
	parent, ok := Lookup(root, keys[:len(keys)-1]...)
	if !ok {
		return
	}
	delete(parent, keys[len(keys)-1])
}

// Keys returns the sorted keys of n.
func Keys(n Node) []string {
	return slices.Sorted(maps.Keys(n))
}

// Clone deep-copies objects and lists; scalars are shared.
func Clone(n Node) Node {
	if n == nil {
		return nil
	}
	out := make(Node, len(n))
	for k, v := range n {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	}
	return v
}
