package coordinator

import (
	"context"
	"time"

	"github.com/k11v/kiln/internal/build"
)

type Database interface {
	Begin(ctx context.Context) (DatabaseTx, error)
	CreateBuild(ctx context.Context, params *DatabaseCreateBuildParams) (*build.Info, error)
	GetBuild(ctx context.Context, params *DatabaseGetBuildParams) (*build.Info, error)
	LockBuild(ctx context.Context, params *DatabaseLockBuildParams) (*build.Info, error)
	UpdateBuild(ctx context.Context, params *DatabaseUpdateBuildParams) (*build.Info, error)
}

type DatabaseTx interface {
	Database

	// Commit returns an error if the transaction is already closed.
	// Otherwise it is safe to call multiple times.
	Commit(ctx context.Context) error

	// Rollback returns an error if the transaction is already closed.
	// Otherwise it is safe to call multiple times.
	Rollback(ctx context.Context) error
}

// DatabaseCreateBuildParams describe the first attempt of a new lineage.
// The database assigns the build number.
type DatabaseCreateBuildParams struct {
	Platform       string
	Configuration  build.Configuration
	Options        string
	Vcordova       string
	Status         build.Status
	StatusMessage  string
	SubmissionTime time.Time
}

type DatabaseGetBuildParams struct {
	BuildNumber int
}

// DatabaseLockBuildParams select a build for update until the transaction ends.
// With NoWait, a build locked by another transaction fails with
// ErrBuildInProgress instead of waiting.
type DatabaseLockBuildParams struct {
	BuildNumber int
	NoWait      bool
}

// DatabaseUpdateBuildParams overwrite every mutable field of the build.
type DatabaseUpdateBuildParams struct {
	Info *build.Info
}
