// Package merge folds authoritative hierarchical patches from the simulation
// backend into locally held session configuration trees.
//
// The rules are applied level by level:
//
//   - a key absent from the patch leaves local state untouched;
//   - an empty container (object or list) clears that level wholesale;
//   - present keys are created locally when missing and merged recursively;
//   - local keys the patch does not mention survive, so optimistic links the
//     backend has not observed yet are kept.
//
// Malformed branches are skipped and reported, never fatal.
package merge

import (
	"fmt"

	"github.com/nstogner/qdash/pkg/domain"
	"github.com/nstogner/qdash/pkg/pathtree"
)

// Tree level keys. The same layout is sent outbound at simulation start.
const (
	KeyEnvs       = "envs"
	KeyModules    = "modules"
	KeyFields     = "fields"
	KeyMethods    = "methods"
	KeyInjections = "injections"
	KeySessions   = "sessions"
)

// Result summarizes one Apply call.
type Result struct {
	// Skipped lists the paths of malformed branches that were ignored.
	Skipped []string
	// Cleared lists the paths that were wholesale-cleared by an empty container.
	Cleared []string
}

func (r *Result) skip(path string, v any) {
	r.Skipped = append(r.Skipped, fmt.Sprintf("%s (%T)", path, v))
}

// Sessions extracts the session-keyed patches of a link payload. Both
// {"sessions": {sid: {...}}} and {sid: {"envs": ...}} are accepted. Payloads
// that are not session keyed (flat lists, catalog objects) return false.
func Sessions(payload any) (map[string]pathtree.Node, bool) {
	root, ok := pathtree.Object(payload)
	if !ok {
		return nil, false
	}
	if wrapped, ok := pathtree.Object(root[KeySessions]); ok {
		root = wrapped
	}

	out := make(map[string]pathtree.Node)
	for sid, v := range root {
		sess, ok := pathtree.Object(v)
		if !ok {
			continue
		}
		if _, ok := sess[KeyEnvs]; !ok {
			continue
		}
		out[sid] = sess
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// Apply merges patch (one session's {"envs": ...} object) into tree in place.
func Apply(tree, patch pathtree.Node) Result {
	var res Result
	raw, ok := patch[KeyEnvs]
	if !ok {
		return res
	}
	envs, ok := pathtree.Object(raw)
	if !ok {
		res.skip(KeyEnvs, raw)
		return res
	}
	if len(envs) == 0 {
		tree[KeyEnvs] = pathtree.Node{}
		res.Cleared = append(res.Cleared, KeyEnvs)
		return res
	}

	for _, envID := range pathtree.Keys(envs) {
		path := KeyEnvs + "." + envID
		envPatch, ok := pathtree.Object(envs[envID])
		if !ok {
			res.skip(path, envs[envID])
			continue
		}
		env := ensureEnv(tree, envID)
		if v, ok := envPatch[KeyModules]; ok {
			mergeModules(env, v, path+"."+KeyModules, &res)
		}
		if v, ok := envPatch[KeyInjections]; ok {
			mergeInjections(env, v, path+"."+KeyInjections, &res)
		}
	}
	return res
}

// ensureEnv returns the env entry, creating it with empty children.
func ensureEnv(tree pathtree.Node, envID string) pathtree.Node {
	env := pathtree.EnsurePath(tree, KeyEnvs, envID)
	pathtree.EnsurePath(env, KeyModules)
	pathtree.EnsurePath(env, KeyInjections)
	return env
}

// ensureModule returns the module entry, creating it with empty children.
func ensureModule(env pathtree.Node, moduleID string) pathtree.Node {
	mod := pathtree.EnsurePath(env, KeyModules, moduleID)
	pathtree.EnsurePath(mod, KeyFields)
	pathtree.EnsurePath(mod, KeyMethods)
	return mod
}

func mergeModules(env pathtree.Node, v any, path string, res *Result) {
	switch t := v.(type) {
	case []any:
		// Legacy shape: list of linked module ids.
		if len(t) == 0 {
			env[KeyModules] = pathtree.Node{}
			res.Cleared = append(res.Cleared, path)
			return
		}
		for i, e := range t {
			id, ok := e.(string)
			if !ok {
				res.skip(fmt.Sprintf("%s[%d]", path, i), e)
				continue
			}
			ensureModule(env, id)
		}
	case map[string]any:
		if len(t) == 0 {
			env[KeyModules] = pathtree.Node{}
			res.Cleared = append(res.Cleared, path)
			return
		}
		for _, id := range pathtree.Keys(t) {
			modPath := path + "." + id
			switch mp := t[id].(type) {
			case map[string]any:
				mod := ensureModule(env, id)
				if fv, ok := mp[KeyFields]; ok {
					mergeLeaves(mod, KeyFields, fv, modPath+"."+KeyFields, res)
				}
				if mv, ok := mp[KeyMethods]; ok {
					mergeLeaves(mod, KeyMethods, mv, modPath+"."+KeyMethods, res)
				}
			case []any:
				// {module: [field ids]} as sent by the Standard Model declarations.
				mod := ensureModule(env, id)
				mergeLeaves(mod, KeyFields, mp, modPath+"."+KeyFields, res)
			default:
				res.skip(modPath, t[id])
			}
		}
	default:
		res.skip(path, v)
	}
}

// mergeLeaves merges a fields or methods container: a list of ids becomes
// empty entries, an object map shallow-merges each entry's metadata.
func mergeLeaves(parent pathtree.Node, key string, v any, path string, res *Result) {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			parent[key] = pathtree.Node{}
			res.Cleared = append(res.Cleared, path)
			return
		}
		for i, e := range t {
			id, ok := e.(string)
			if !ok {
				res.skip(fmt.Sprintf("%s[%d]", path, i), e)
				continue
			}
			pathtree.EnsurePath(parent, key, id)
		}
	case map[string]any:
		if len(t) == 0 {
			parent[key] = pathtree.Node{}
			res.Cleared = append(res.Cleared, path)
			return
		}
		for _, id := range pathtree.Keys(t) {
			meta, ok := pathtree.Object(t[id])
			if !ok {
				res.skip(path+"."+id, t[id])
				continue
			}
			entry := pathtree.EnsurePath(parent, key, id)
			for mk, mv := range meta {
				entry[mk] = mv
			}
		}
	default:
		res.skip(path, v)
	}
}

func mergeInjections(env pathtree.Node, v any, path string, res *Result) {
	buckets, ok := pathtree.Object(v)
	if !ok {
		res.skip(path, v)
		return
	}
	if len(buckets) == 0 {
		env[KeyInjections] = pathtree.Node{}
		res.Cleared = append(res.Cleared, path)
		return
	}
	for _, fieldID := range pathtree.Keys(buckets) {
		bucketPath := path + "." + fieldID
		bucket, ok := pathtree.Object(buckets[fieldID])
		if !ok {
			res.skip(bucketPath, buckets[fieldID])
			continue
		}
		if len(bucket) == 0 {
			pathtree.EnsurePath(env, KeyInjections)[fieldID] = pathtree.Node{}
			res.Cleared = append(res.Cleared, bucketPath)
			continue
		}
		local := pathtree.EnsurePath(env, KeyInjections, fieldID)
		for rawKey, val := range bucket {
			injID, ok := val.(string)
			if !ok {
				res.skip(bucketPath+"."+rawKey, val)
				continue
			}
			canon, err := domain.PositionKey(rawKey).Canonical()
			if err != nil {
				res.skip(bucketPath+"."+rawKey, rawKey)
				continue
			}
			local[string(canon)] = injID
		}
	}
}

// StandardModel is a backend declaration of Standard Model links:
// session -> env -> module -> field ids.
type StandardModel map[string]map[string]map[string][]string

// ParseStandardModel decodes an ENABLE_SM payload. Malformed branches are
// skipped and reported in the returned Result.
func ParseStandardModel(payload any) (StandardModel, Result) {
	var res Result
	root, ok := pathtree.Object(payload)
	if !ok {
		res.skip("", payload)
		return nil, res
	}
	out := make(StandardModel)
	for _, sid := range pathtree.Keys(root) {
		envs, ok := pathtree.Object(root[sid])
		if !ok {
			res.skip(sid, root[sid])
			continue
		}
		for _, envID := range pathtree.Keys(envs) {
			mods, ok := pathtree.Object(envs[envID])
			if !ok {
				res.skip(sid+"."+envID, envs[envID])
				continue
			}
			for _, modID := range pathtree.Keys(mods) {
				list, ok := mods[modID].([]any)
				if !ok {
					res.skip(sid+"."+envID+"."+modID, mods[modID])
					continue
				}
				fields := make([]string, 0, len(list))
				for _, f := range list {
					if s, ok := f.(string); ok {
						fields = append(fields, s)
					}
				}
				if out[sid] == nil {
					out[sid] = make(map[string]map[string][]string)
				}
				if out[sid][envID] == nil {
					out[sid][envID] = make(map[string][]string)
				}
				out[sid][envID][modID] = fields
			}
		}
	}
	return out, res
}
