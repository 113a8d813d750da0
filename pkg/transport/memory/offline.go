package memory

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nstogner/qdash/pkg/transport"
)

// SessionLister lists locally known session ids, e.g. persisted drafts.
type SessionLister func(ctx context.Context) ([]string, error)

// Offline returns a Responder that stands in for the backend when none is
// configured: the session list is served from list and session creation is
// acknowledged. Everything else goes unanswered.
func Offline(list SessionLister) Responder {
	return func(env transport.Envelope) []transport.Envelope {
		switch env.Type {
		case transport.TypeListSessions:
			ids, err := list(context.Background())
			if err != nil {
				slog.Error("Failed to list local sessions", "error", err)
				return nil
			}
			if ids == nil {
				ids = []string{}
			}
			data, err := json.Marshal(map[string]any{"sessions": ids})
			if err != nil {
				return nil
			}
			return []transport.Envelope{{Type: transport.TypeListSessions, Data: data}}
		case transport.TypeCreateSession:
			return []transport.Envelope{{Type: transport.TypeSessionCreated, SessionID: env.SessionID}}
		}
		return nil
	}
}
