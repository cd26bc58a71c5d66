// Package buildpg stores builds in Postgres.
package buildpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/coordinator"
)

var _ coordinator.Database = (*Database)(nil)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Database struct {
	db Querier // required
}

func NewDatabase(db Querier) *Database {
	return &Database{db: db}
}

// Begin implements coordinator.Database.
func (d *Database) Begin(ctx context.Context) (coordinator.DatabaseTx, error) {
	pgxTx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return newDatabaseTx(pgxTx), nil
}

// CreateBuild implements coordinator.Database.
func (d *Database) CreateBuild(ctx context.Context, params *coordinator.DatabaseCreateBuildParams) (*build.Info, error) {
	query := `
		INSERT INTO builds (
			attempt, status, message,
			platform, configuration, options, vcordova,
			submission_time, update_time
		)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING` + buildColumns
	args := []any{
		string(params.Status), params.StatusMessage,
		params.Platform, string(params.Configuration), params.Options, params.Vcordova,
		params.SubmissionTime,
	}

	rows, _ := d.db.Query(ctx, query, args...)
	info, err := pgx.CollectExactlyOneRow(rows, rowToInfo)
	if err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	return info, nil
}

// GetBuild implements coordinator.Database.
func (d *Database) GetBuild(ctx context.Context, params *coordinator.DatabaseGetBuildParams) (*build.Info, error) {
	query := `SELECT` + buildColumns + `FROM builds WHERE build_number = $1`
	args := []any{params.BuildNumber}

	rows, _ := d.db.Query(ctx, query, args...)
	info, err := pgx.CollectExactlyOneRow(rows, rowToInfo)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get build %d: %w", params.BuildNumber, coordinator.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}

	return info, nil
}

// LockBuild implements coordinator.Database.
// It only holds the lock when called on a DatabaseTx.
func (d *Database) LockBuild(ctx context.Context, params *coordinator.DatabaseLockBuildParams) (*build.Info, error) {
	query := `SELECT` + buildColumns + `FROM builds WHERE build_number = $1 FOR UPDATE`
	if params.NoWait {
		query += ` NOWAIT`
	}
	args := []any{params.BuildNumber}

	rows, _ := d.db.Query(ctx, query, args...)
	info, err := pgx.CollectExactlyOneRow(rows, rowToInfo)
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.LockNotAvailable {
		return nil, fmt.Errorf("lock build %d: %w", params.BuildNumber, coordinator.ErrBuildInProgress)
	} else if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock build %d: %w", params.BuildNumber, coordinator.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("lock build: %w", err)
	}

	return info, nil
}

// UpdateBuild implements coordinator.Database.
func (d *Database) UpdateBuild(ctx context.Context, params *coordinator.DatabaseUpdateBuildParams) (*build.Info, error) {
	info := params.Info

	var changeList []byte
	if info.ChangeList != nil {
		var err error
		if changeList, err = json.Marshal(info.ChangeList); err != nil {
			return nil, fmt.Errorf("update build: %w", err)
		}
	}

	query := `
		UPDATE builds
		SET
			attempt = $2,
			status = $3, message = $4, status_code = $5,
			platform = $6, configuration = $7, options = $8,
			vcordova = $9, previous_vcordova = $10,
			change_list = $11,
			submission_time = $12, update_time = $13
		WHERE build_number = $1
		RETURNING` + buildColumns
	args := []any{
		info.BuildNumber,
		info.Attempt,
		string(info.Status), info.StatusMessage, info.StatusCode,
		info.Platform, string(info.Configuration), info.Options,
		info.Vcordova, info.PreviousVcordova,
		changeList,
		info.SubmissionTime, info.UpdateTime,
	}

	rows, _ := d.db.Query(ctx, query, args...)
	updated, err := pgx.CollectExactlyOneRow(rows, rowToInfo)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update build %d: %w", info.BuildNumber, coordinator.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("update build: %w", err)
	}

	return updated, nil
}
