package launcher

import (
	"context"

	"github.com/nstogner/qdash/pkg/domain"
)

// Run states reported by Status.
const (
	StateRunning = "running"
	StateExited  = "exited"
	StateUnknown = "unknown"
	StateStopped = "stopped"
)

// Launcher runs a started simulation locally, next to the remote backend.
// Each run gets its own container holding the configuration it was started with.
type Launcher interface {
	// Launch starts a simulation for the run and returns its handle.
	Launch(ctx context.Context, run domain.RunRecord) (string, error)

	// Status returns the state of the run's simulation.
	// Returns one of: "running", "exited", "stopped", "unknown".
	Status(ctx context.Context, runID string) (string, error)

	// Stop stops and removes the run's simulation.
	Stop(ctx context.Context, runID string) error

	// Run starts a long-running loop that removes finished simulations.
	// Blocks until ctx is cancelled.
	Run(ctx context.Context) error

	// Close releases any resources held by the launcher.
	Close() error
}
