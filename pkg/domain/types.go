package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CatalogKind names one of the session-independent lists fetched from the backend.
type CatalogKind string

const (
	KindSessions     CatalogKind = "sessions"
	KindEnvironments CatalogKind = "environments"
	KindModules      CatalogKind = "modules"
	KindFields       CatalogKind = "fields"
	KindInjections   CatalogKind = "injections"
	KindMethods      CatalogKind = "methods"
)

// CatalogKinds lists every catalog in display order.
var CatalogKinds = []CatalogKind{
	KindSessions, KindEnvironments, KindModules, KindFields, KindInjections, KindMethods,
}

// ParseCatalogKind accepts the plural name used in URLs and messages.
func ParseCatalogKind(s string) (CatalogKind, error) {
	for _, k := range CatalogKinds {
		if string(k) == strings.ToLower(s) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown catalog kind: %s", s)
}

// OriginStandardModel marks catalog modules and fields that belong to the Standard Model set.
const OriginStandardModel = "SM"

// Session is a named configuration workspace for one simulation run.
type Session struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Environment is a compute cluster/grid a simulation runs on.
type Environment struct {
	ID            string `json:"id"`
	Dims          []int  `json:"dims,omitempty"`
	DimCount      int    `json:"-"` // set when the backend sends "dims" as a number
	AmountOfNodes int    `json:"amount_of_nodes,omitempty"`
	SimTime       int    `json:"sim_time,omitempty"`
	Status        string `json:"status,omitempty"`
}

// Module declares a fixed set of physics fields.
type Module struct {
	ID     string   `json:"id"`
	Origin string   `json:"origin,omitempty"`
	Fields []string `json:"fields,omitempty"`
}

// Field is a named physical quantity that can receive injections.
type Field struct {
	ID     string `json:"id"`
	Origin string `json:"origin,omitempty"`
}

// Injection is a named energy/time series assignable to a field at a grid position.
type Injection struct {
	ID   string      `json:"id"`
	Data [][]float64 `json:"data,omitempty"`
}

// Method is a computational method attachable to a module.
type Method struct {
	ID string `json:"id"`
}

// ConnectionStatus is the process-wide connectivity state reported by the transport.
type ConnectionStatus struct {
	Status        string    `json:"status"` // "connected", "disconnected", "connecting", "error"
	IsConnected   bool      `json:"is_connected"`
	Error         string    `json:"error,omitempty"`
	LastConnected time.Time `json:"last_connected,omitempty"`
}

const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusError        = "error"
)

// RunRecord is a persisted simulation start.
type RunRecord struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Digest    string          `json:"digest"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at"`
}
