package coordinator

import (
	"context"
	"io"

	"github.com/k11v/kiln/internal/build"
)

// Storage holds the blobs of build attempts.
// Missing objects are reported with build.ErrObjectNotFound.
type Storage interface {
	Upload(ctx context.Context, obj *build.Object, r io.Reader) error
	Download(ctx context.Context, obj *build.Object, w io.Writer) error
	Size(ctx context.Context, obj *build.Object) (int64, error)
}
