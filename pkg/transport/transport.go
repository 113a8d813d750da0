// Package transport carries JSON envelopes between qdash and the simulation
// backend. Implementations deliver inbound envelopes and connection status
// on channels; Client builds the outbound requests.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nstogner/qdash/pkg/domain"
)

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport closed")

// Message types exchanged with the backend.
const (
	// Requests.
	TypeListSessions    = "LIST_USERS_SESSIONS"
	TypeCreateSession   = "CREATE_SESSION"
	TypeUserEnvs        = "GET_USERS_ENVS"
	TypeSessionEnvs     = "GET_SESSIONS_ENVS"
	TypeUserModules     = "LIST_USERS_MODULES"
	TypeSessionModules  = "GET_SESSIONS_MODULES"
	TypeUserFields      = "LIST_USERS_FIELDS"
	TypeModuleFields    = "GET_MODULES_FIELDS"
	TypeUserInjections  = "GET_INJ_USER"
	TypeInjectionDetail = "GET_INJECTION"
	TypeUserMethods     = "GET_USERS_METHODS"
	TypeItemDetail      = "GET_ITEM"
	TypeStartSimulation = "START_SIM"

	// Inbound-only aliases and pushes.
	TypeSessionsAlias    = "USERS_SESSIONS"
	TypeUserEnvsAlias    = "LIST_USERS_ENVS"
	TypeEnvsAlias        = "LIST_ENVS"
	TypeSessionFields    = "SESSIONS_FIELDS"
	TypeInjectionsAlias  = "INJ_LIST_USER"
	TypeUserMethodsAlias = "LIST_USERS_METHODS"
	TypeLinkData         = "LINK_DATA"
	TypeEnableSM         = "ENABLE_SM"
	TypeEnvDeleted       = "ENV_DELETED"
	TypeEnvDeletedAlias  = "DEL_ENV"
	TypeInjectionDeleted = "INJECTION_DELETED"
	TypeSessionCreated   = "SESSION_CREATED"
)

// Auth scopes an envelope to a user, session or item.
type Auth struct {
	UserID      string `json:"user_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	ItemID      string `json:"item_id,omitempty"`
	InjectionID string `json:"injection_id,omitempty"`
}

// Envelope is one message on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Auth      Auth            `json:"auth"`
	Timestamp string          `json:"timestamp,omitempty"`

	// Top-level ids some message types carry outside data.
	SessionID   string `json:"session_id,omitempty"`
	EnvID       string `json:"env_id,omitempty"`
	InjectionID string `json:"injection_id,omitempty"`
}

// Decode unmarshals Data into a generic JSON value. Empty data decodes to nil.
func (e Envelope) Decode() (any, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Transport is a bidirectional, reconnecting message channel to the backend.
type Transport interface {
	// Send delivers one envelope. It may block until the connection is up
	// or ctx is done.
	Send(ctx context.Context, env Envelope) error

	// Messages returns the inbound envelope stream.
	Messages() <-chan Envelope

	// Status returns connection status changes.
	Status() <-chan domain.ConnectionStatus

	// Close stops the transport and closes both channels.
	Close() error
}

// Client builds the typed outbound requests on top of a Transport.
type Client struct {
	t      Transport
	userID string
	now    func() time.Time
}

// NewClient returns a client sending as userID.
func NewClient(t Transport, userID string) *Client {
	return &Client{t: t, userID: userID, now: time.Now}
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport { return c.t }

func (c *Client) envelope(typ string, auth Auth, data any) (Envelope, error) {
	env := Envelope{Type: typ, Auth: auth, Timestamp: c.now().UTC().Format(time.RFC3339Nano)}
	if env.Auth.UserID == "" {
		env.Auth.UserID = c.userID
	}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = b
	}
	return env, nil
}

func (c *Client) send(ctx context.Context, typ string, auth Auth, data any) error {
	env, err := c.envelope(typ, auth, data)
	if err != nil {
		return err
	}
	return c.t.Send(ctx, env)
}

// catalogRequests maps a catalog to its user-scoped and session-scoped request types.
var catalogRequests = map[domain.CatalogKind][2]string{
	domain.KindSessions:     {TypeListSessions, ""},
	domain.KindEnvironments: {TypeUserEnvs, TypeSessionEnvs},
	domain.KindModules:      {TypeUserModules, TypeSessionModules},
	domain.KindFields:       {TypeUserFields, ""},
	domain.KindInjections:   {TypeUserInjections, ""},
	domain.KindMethods:      {TypeUserMethods, ""},
}

// RequestCatalog asks for a catalog. When sessionID is set and the catalog
// has a session-scoped variant, that request is sent as well.
func (c *Client) RequestCatalog(ctx context.Context, kind domain.CatalogKind, sessionID string) error {
	types, ok := catalogRequests[kind]
	if !ok {
		return domain.Precondition("request catalog", "unknown catalog "+string(kind))
	}
	if err := c.send(ctx, types[0], Auth{}, nil); err != nil {
		return err
	}
	if sessionID != "" && types[1] != "" {
		return c.send(ctx, types[1], Auth{SessionID: sessionID}, nil)
	}
	return nil
}

// RequestItemDetail asks for the full record of a catalog item.
func (c *Client) RequestItemDetail(ctx context.Context, itemID string) error {
	return c.send(ctx, TypeItemDetail, Auth{ItemID: itemID}, nil)
}

// RequestInjectionDetail asks for an injection including its point series.
func (c *Client) RequestInjectionDetail(ctx context.Context, injectionID string) error {
	return c.send(ctx, TypeInjectionDetail, Auth{InjectionID: injectionID}, nil)
}

// CreateSession asks the backend to create a session with the given id.
func (c *Client) CreateSession(ctx context.Context, sessionID string) error {
	env, err := c.envelope(TypeCreateSession, Auth{}, nil)
	if err != nil {
		return err
	}
	env.SessionID = sessionID
	return c.t.Send(ctx, env)
}

// StartPayload is the data of a START_SIM envelope.
type StartPayload struct {
	Config any `json:"config"`
}

// SubmitSimulationStart sends a session's configuration snapshot. The
// envelope is validated before it leaves the process.
func (c *Client) SubmitSimulationStart(ctx context.Context, sessionID string, snapshot any) error {
	env, err := c.envelope(TypeStartSimulation, Auth{SessionID: sessionID}, StartPayload{Config: snapshot})
	if err != nil {
		return err
	}
	if err := ValidateStart(env); err != nil {
		return err
	}
	return c.t.Send(ctx, env)
}
