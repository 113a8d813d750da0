package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Position is an integer grid coordinate tuple.
type Position []int

// PositionKey is the canonical string form of a Position, e.g. "[0,1,2]".
type PositionKey string

// Key encodes p canonically. Equal tuples always produce equal keys.
func (p Position) Key() PositionKey {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range p {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(v))
	}
	sb.WriteByte(']')
	return PositionKey(sb.String())
}

// ParsePositionKey decodes a key produced by Position.Key. Whitespace around
// elements is tolerated so keys produced by other JSON encoders still parse.
func ParsePositionKey(k PositionKey) (Position, error) {
	s := strings.TrimSpace(string(k))
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("invalid position key %q", k)
	}
	inner := strings.TrimSpace(s[1 : len(s)-1])
	if inner == "" {
		return Position{}, nil
	}
	parts := strings.Split(inner, ",")
	pos := make(Position, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid position key %q: %w", k, err)
		}
		pos[i] = v
	}
	return pos, nil
}

// Canonical re-encodes a key so differently formatted equal tuples compare equal.
func (k PositionKey) Canonical() (PositionKey, error) {
	p, err := ParsePositionKey(k)
	if err != nil {
		return "", err
	}
	return p.Key(), nil
}

const (
	maxNodesPerDim     = 256
	defaultNodesPerDim = 8
	defaultDims        = 3
	maxDims            = 6
)

// GridDims returns the per-dimension node counts for env, clamped to 1..256.
// Explicit Dims win; otherwise AmountOfNodes is used for each of DimCount
// (default three) dimensions.
func GridDims(env *Environment) []int {
	if env == nil {
		return []int{defaultNodesPerDim, defaultNodesPerDim, defaultNodesPerDim}
	}
	if len(env.Dims) > 0 {
		out := make([]int, len(env.Dims))
		for i, d := range env.Dims {
			out[i] = clamp(d, 1, maxNodesPerDim)
		}
		return out
	}
	n := env.AmountOfNodes
	if n == 0 {
		n = defaultNodesPerDim
	}
	d := defaultDims
	if env.DimCount > 0 {
		d = clamp(env.DimCount, 1, maxDims)
	}
	out := make([]int, d)
	for i := range out {
		out[i] = clamp(n, 1, maxNodesPerDim)
	}
	return out
}

// MaxGridNodes bounds the number of positions a whole-grid operation may touch.
const MaxGridNodes = 4096

// GridSize returns the number of nodes of a grid. ok is false when the grid
// is empty or larger than MaxGridNodes.
func GridSize(dims []int) (n int, ok bool) {
	if len(dims) == 0 {
		return 0, false
	}
	n = 1
	for _, d := range dims {
		if d < 1 || d > MaxGridNodes {
			return 0, false
		}
		n *= d
		if n > MaxGridNodes {
			return n, false
		}
	}
	return n, true
}

// GridPositions enumerates every node of a grid in row-major order.
func GridPositions(dims []int) ([]Position, error) {
	total, ok := GridSize(dims)
	if !ok {
		return nil, fmt.Errorf("grid %v exceeds %d nodes", dims, MaxGridNodes)
	}
	out := make([]Position, 0, total)
	cur := make(Position, len(dims))
	var walk func(axis int)
	walk = func(axis int) {
		if axis == len(dims) {
			out = append(out, append(Position(nil), cur...))
			return
		}
		for i := 0; i < dims[axis]; i++ {
			cur[axis] = i
			walk(axis + 1)
		}
	}
	walk(0)
	return out, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
