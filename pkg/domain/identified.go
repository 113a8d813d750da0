package domain

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strings"
)

// Identified is a catalog item that arrives either as a bare id string or as
// an object carrying an "id" key plus arbitrary attributes.
type Identified interface {
	identified()
}

// ID is a bare identifier.
type ID string

func (ID) identified() {}

// Entity is an object item with attributes.
type Entity struct {
	ID    string
	Attrs map[string]any
}

func (Entity) identified() {}

// IDOf returns the identifier of either variant.
func IDOf(x Identified) string {
	switch v := x.(type) {
	case ID:
		return string(v)
	case Entity:
		return v.ID
	case *Entity:
		if v == nil {
			return ""
		}
		return v.ID
	}
	return ""
}

// Attr returns an attribute of an entity; bare ids have none.
func Attr(x Identified, key string) (any, bool) {
	e, ok := x.(Entity)
	if !ok {
		return nil, false
	}
	v, ok := e.Attrs[key]
	return v, ok
}

// MarshalJSON emits the original object with its id.
func (e Entity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Attrs)+1)
	maps.Copy(out, e.Attrs)
	out["id"] = e.ID
	return json.Marshal(out)
}

// Merge returns a copy of e with attrs shallow-merged over its attributes.
func (e Entity) Merge(attrs map[string]any) Entity {
	out := Entity{ID: e.ID, Attrs: make(map[string]any, len(e.Attrs)+len(attrs))}
	maps.Copy(out.Attrs, e.Attrs)
	maps.Copy(out.Attrs, attrs)
	delete(out.Attrs, "id")
	return out
}

// DecodeIdentified converts one decoded JSON value into an Identified.
func DecodeIdentified(v any) (Identified, error) {
	switch t := v.(type) {
	case string:
		return ID(t), nil
	case map[string]any:
		id, _ := t["id"].(string)
		if id == "" {
			return nil, fmt.Errorf("catalog item without id")
		}
		attrs := make(map[string]any, len(t))
		for k, val := range t {
			if k != "id" {
				attrs[k] = val
			}
		}
		return Entity{ID: id, Attrs: attrs}, nil
	}
	return nil, fmt.Errorf("unsupported catalog item %T", v)
}

// DecodeList converts a decoded JSON list into catalog items, skipping
// entries it cannot identify. The second return value counts skipped items.
func DecodeList(v any) ([]Identified, int) {
	raw, ok := v.([]any)
	if !ok {
		return nil, 0
	}
	items := make([]Identified, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		it, err := DecodeIdentified(r)
		if err != nil {
			skipped++
			continue
		}
		items = append(items, it)
	}
	return items, skipped
}

// IDs returns the identifiers of items in order.
func IDs(items []Identified) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = IDOf(it)
	}
	return ids
}

// Find returns the item with the given id.
func Find(items []Identified, id string) (Identified, bool) {
	for _, it := range items {
		if IDOf(it) == id {
			return it, true
		}
	}
	return nil, false
}

// EnvironmentOf reads the grid description of an environment catalog item.
// "dims" may be a list of per-dimension node counts or a dimension count.
func EnvironmentOf(x Identified) *Environment {
	env := &Environment{ID: IDOf(x)}
	e, ok := x.(Entity)
	if !ok {
		return env
	}
	switch d := e.Attrs["dims"].(type) {
	case []any:
		for _, v := range d {
			n, _ := v.(float64)
			env.Dims = append(env.Dims, int(math.Round(n)))
		}
	case float64:
		env.DimCount = int(math.Round(d))
	}
	switch n := e.Attrs["amount_of_nodes"].(type) {
	case float64:
		env.AmountOfNodes = int(math.Round(n))
	case []any:
		// Per-dimension counts: the largest one is used for every dimension.
		for _, v := range n {
			f, _ := v.(float64)
			env.AmountOfNodes = max(env.AmountOfNodes, int(math.Round(f)))
		}
	}
	if env.AmountOfNodes == 0 {
		if n, ok := e.Attrs["cluster_dim"].(float64); ok {
			env.AmountOfNodes = int(math.Round(n))
		}
	}
	if s, ok := e.Attrs["status"].(string); ok {
		env.Status = s
	}
	return env
}

// ModuleOf reads a module catalog item. Declared fields may be ids or objects.
func ModuleOf(x Identified) Module {
	m := Module{ID: IDOf(x)}
	e, ok := x.(Entity)
	if !ok {
		return m
	}
	if o, ok := e.Attrs["origin"].(string); ok {
		m.Origin = o
	}
	fields, _ := DecodeList(e.Attrs["fields"])
	m.Fields = IDs(fields)
	return m
}

// OriginOf returns the upper-cased origin attribute of an item.
func OriginOf(x Identified) string {
	v, _ := Attr(x, "origin")
	s, _ := v.(string)
	return strings.ToUpper(s)
}
