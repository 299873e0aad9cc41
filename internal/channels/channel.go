// Package channels defines the platform adapter contract and hosts the
// concrete adapters (telegram, discord, webchat, webhook). An adapter turns
// platform traffic into events on the shared bus and delivers reply chains
// back out; everything between those two edges is the pipeline's business.
package channels

import (
	"context"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// Publisher enqueues inbound events. Implemented by bus.Bus; the blocking
// Publish is the backpressure adapters rely on.
type Publisher interface {
	Publish(ctx context.Context, ev *models.Event) error
}

// Adapter is one platform connection. Run blocks until ctx is canceled or
// the connection fails for good; Terminate releases resources Run does not
// tear down on its own (listeners, API sessions).
//
// Adapters bind a Responder to every event they publish, so outbound
// delivery is per-event and never goes through this interface.
type Adapter interface {
	// Name is the platform type, e.g. "telegram".
	Name() string
	// ID is the adapter instance id. Single-instance deployments reuse Name.
	ID() string
	Meta() models.PlatformMeta
	Run(ctx context.Context) error
	Terminate(ctx context.Context) error
}
