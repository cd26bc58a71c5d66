package coordinator

import (
	"context"

	"github.com/k11v/kiln/internal/build"
)

type Broker interface {
	PublishTask(ctx context.Context, info *build.Info) error

	// ConsumeEvents calls handle for every status event until ctx is done
	// or the connection fails. A handle error requeues the event.
	ConsumeEvents(ctx context.Context, handle func(ctx context.Context, ev *build.Event) error) error
}
