// Package coordinator accepts build submissions, dispatches them to workers
// and tracks their status.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/k11v/kiln/internal/build"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrBuildInProgress = errors.New("build in progress")
)

// ValidationError lists why a submission can't be built.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid build submission: " + strings.Join(e.Errors, "; ")
}

// Config holds the coordinator configuration.
type Config struct {
	DefaultPlatform    string        `env:"DEFAULT_PLATFORM"`    // default: "android"
	Platforms          []string      `env:"PLATFORMS"`           // default: ["android", "ios"]
	MinToolchain       string        `env:"MIN_TOOLCHAIN"`       // default: "3.0.0"
	WorkspaceRetention time.Duration `env:"WORKSPACE_RETENTION"` // default: 168h
}

func (c *Config) defaultPlatform() string {
	if c.DefaultPlatform == "" {
		return "android"
	}
	return c.DefaultPlatform
}

func (c *Config) platforms() []string {
	if len(c.Platforms) == 0 {
		return []string{"android", build.PlatformIOS}
	}
	return c.Platforms
}

func (c *Config) minToolchain() string {
	if c.MinToolchain == "" {
		return "3.0.0"
	}
	return c.MinToolchain
}

func (c *Config) workspaceRetention() time.Duration {
	if c.WorkspaceRetention == 0 {
		return 7 * 24 * time.Hour
	}
	return c.WorkspaceRetention
}

type Coordinator struct {
	config   *Config      // required
	database Database     // required
	storage  Storage      // required
	broker   Broker       // required
	logger   *slog.Logger // required
}

func New(config *Config, database Database, storage Storage, broker Broker, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		config:   config,
		database: database,
		storage:  storage,
		broker:   broker,
		logger:   logger.With("component", "coordinator"),
	}
}

type SubmitParams struct {
	Command       string
	BuildNumber   int // zero starts a new lineage
	Platform      string
	Configuration string
	Options       string
	Vcordova      string
	Archive       io.Reader // gzip(tar(project subset))
}

// Submit stores the archive and dispatches the build.
// A non-zero BuildNumber continues that lineage with a new attempt.
func (c *Coordinator) Submit(ctx context.Context, params *SubmitParams) (*build.Info, error) {
	platform := params.Platform
	if platform == "" {
		platform = c.config.defaultPlatform()
	}
	configuration, err := c.validate(params, platform)
	if err != nil {
		return nil, err
	}

	tx, err := c.database.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	var info *build.Info
	if params.BuildNumber == 0 {
		info, err = tx.CreateBuild(ctx, &DatabaseCreateBuildParams{
			Platform:       platform,
			Configuration:  configuration,
			Options:        params.Options,
			Vcordova:       params.Vcordova,
			Status:         build.StatusUploaded,
			StatusMessage:  "Archive received",
			SubmissionTime: now,
		})
		if err != nil {
			return nil, fmt.Errorf("submit: %w", err)
		}
	} else {
		prev, err := tx.LockBuild(ctx, &DatabaseLockBuildParams{BuildNumber: params.BuildNumber, NoWait: true})
		if err != nil {
			return nil, fmt.Errorf("submit: %w", err)
		}
		if !prev.Status.IsTerminal() {
			return nil, fmt.Errorf("submit: build %d: %w", prev.BuildNumber, ErrBuildInProgress)
		}
		if prev.Platform != platform {
			return nil, &ValidationError{Errors: []string{
				fmt.Sprintf("build %d targets %s, not %s", prev.BuildNumber, prev.Platform, platform),
			}}
		}
		info, err = tx.UpdateBuild(ctx, &DatabaseUpdateBuildParams{Info: &build.Info{
			BuildNumber:      prev.BuildNumber,
			Attempt:          prev.Attempt + 1,
			Status:           build.StatusUploaded,
			StatusMessage:    "Archive received",
			Platform:         platform,
			Configuration:    configuration,
			Options:          params.Options,
			Vcordova:         params.Vcordova,
			PreviousVcordova: prev.Vcordova,
			SubmissionTime:   now,
			UpdateTime:       now,
		}})
		if err != nil {
			return nil, fmt.Errorf("submit: %w", err)
		}
	}

	archive := &build.Object{BuildNumber: info.BuildNumber, Attempt: info.Attempt, Name: build.ObjectArchive}
	if err = c.storage.Upload(ctx, archive, params.Archive); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	logger := c.logger.With("build_number", info.BuildNumber, "attempt", info.Attempt)
	logger.Info("accepted build", "platform", info.Platform, "vcordova", info.Vcordova)

	if err = c.broker.PublishTask(ctx, info); err != nil {
		ev := &build.Event{
			BuildNumber:   info.BuildNumber,
			Attempt:       info.Attempt,
			Status:        build.StatusError,
			StatusMessage: "Build wasn't dispatched",
			StatusCode:    1,
			Time:          time.Now().UTC(),
		}
		if applyErr := c.ApplyStatus(context.WithoutCancel(ctx), ev); applyErr != nil {
			logger.Error("didn't fail undispatched build", "error", applyErr)
		}
		return nil, fmt.Errorf("submit: %w", err)
	}

	return info, nil
}

func (c *Coordinator) validate(params *SubmitParams, platform string) (build.Configuration, error) {
	var errs []string

	if params.Command != "build" {
		errs = append(errs, fmt.Sprintf("unsupported command %q", params.Command))
	}

	if params.Vcordova == "" {
		errs = append(errs, "missing vcordova")
	} else if v, err := semver.NewVersion(params.Vcordova); err != nil {
		errs = append(errs, "unsupported version "+params.Vcordova)
	} else if minimum, err := semver.NewVersion(c.config.minToolchain()); err == nil && v.LessThan(minimum) {
		errs = append(errs, "unsupported version "+params.Vcordova)
	}

	configuration, known := build.ParseConfiguration(params.Configuration)
	if !known {
		errs = append(errs, fmt.Sprintf("unsupported configuration %q", params.Configuration))
	}

	if !slices.Contains(c.config.platforms(), platform) {
		errs = append(errs, fmt.Sprintf("unsupported platform %q", platform))
	}

	if params.Options != "" && params.Options != build.OptionDevice {
		errs = append(errs, fmt.Sprintf("unsupported options %q", params.Options))
	}

	if params.BuildNumber < 0 {
		errs = append(errs, fmt.Sprintf("invalid build number %d", params.BuildNumber))
	}

	if len(errs) > 0 {
		return "", &ValidationError{Errors: errs}
	}
	return configuration, nil
}

// Get returns the current state of a build.
func (c *Coordinator) Get(ctx context.Context, buildNumber int) (*build.Info, error) {
	info, err := c.database.GetBuild(ctx, &DatabaseGetBuildParams{BuildNumber: buildNumber})
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return info, nil
}

// Exists reports whether the working state of a build is still kept on the
// farm, so that the build can be continued incrementally.
func (c *Coordinator) Exists(ctx context.Context, buildNumber int) (bool, error) {
	info, err := c.database.GetBuild(ctx, &DatabaseGetBuildParams{BuildNumber: buildNumber})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}

	switch info.Status {
	case build.StatusComplete, build.StatusError:
	default:
		return false, nil
	}
	return time.Since(info.UpdateTime) < c.config.workspaceRetention(), nil
}

// ApplyStatus records a worker's status event. Events of an earlier attempt
// and events that would move the status backwards are dropped.
func (c *Coordinator) ApplyStatus(ctx context.Context, ev *build.Event) error {
	logger := c.logger.With("build_number", ev.BuildNumber, "attempt", ev.Attempt, "status", ev.Status)

	tx, err := c.database.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply status: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	info, err := tx.LockBuild(ctx, &DatabaseLockBuildParams{BuildNumber: ev.BuildNumber})
	if errors.Is(err, ErrNotFound) {
		logger.Warn("didn't apply status of unknown build")
		return nil
	} else if err != nil {
		return fmt.Errorf("apply status: %w", err)
	}

	if ev.Attempt != info.Attempt {
		logger.Info("didn't apply stale status", "current_attempt", info.Attempt)
		return nil
	}
	if err = info.Update(ev.Status, ev.StatusMessage, ev.StatusCode); errors.Is(err, build.ErrStatusRegression) {
		logger.Info("didn't apply status", "error", err)
		return nil
	} else if err != nil {
		return fmt.Errorf("apply status: %w", err)
	}
	if !ev.Time.IsZero() {
		info.UpdateTime = ev.Time
	}
	if ev.ChangeList != nil {
		info.ChangeList = ev.ChangeList
	}

	if _, err = tx.UpdateBuild(ctx, &DatabaseUpdateBuildParams{Info: info}); err != nil {
		return fmt.Errorf("apply status: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("apply status: %w", err)
	}
	return nil
}

// ConsumeStatuses applies status events until ctx is done or the broker fails.
func (c *Coordinator) ConsumeStatuses(ctx context.Context) error {
	return c.broker.ConsumeEvents(ctx, c.ApplyStatus)
}

// Blob is a stored object that exists.
type Blob struct {
	Object *build.Object
	Size   int64
}

// OpenLog returns the log of the latest attempt of a build.
func (c *Coordinator) OpenLog(ctx context.Context, buildNumber int) (*Blob, error) {
	info, err := c.Get(ctx, buildNumber)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return c.open(ctx, &build.Object{BuildNumber: info.BuildNumber, Attempt: info.Attempt, Name: build.ObjectLog})
}

// OpenDownload returns the device artifact of a completed device build.
func (c *Coordinator) OpenDownload(ctx context.Context, buildNumber int) (*Blob, error) {
	info, err := c.Get(ctx, buildNumber)
	if err != nil {
		return nil, fmt.Errorf("open download: %w", err)
	}
	if !info.IsDevice() || info.Status != build.StatusComplete {
		return nil, fmt.Errorf("open download: build %d has no device artifact: %w", buildNumber, ErrNotFound)
	}
	return c.open(ctx, &build.Object{BuildNumber: info.BuildNumber, Attempt: info.Attempt, Name: build.ObjectArtifact})
}

// OpenFile returns a file the latest attempt of a build published,
// by its slash-separated path in the working directory.
func (c *Coordinator) OpenFile(ctx context.Context, buildNumber int, name string) (*Blob, error) {
	if name == "" || path.IsAbs(name) || path.Clean(name) != name || strings.HasPrefix(name, "../") || name == ".." {
		return nil, fmt.Errorf("open file: invalid name %q: %w", name, ErrNotFound)
	}
	info, err := c.Get(ctx, buildNumber)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return c.open(ctx, build.FileObject(info.BuildNumber, info.Attempt, name))
}

func (c *Coordinator) open(ctx context.Context, obj *build.Object) (*Blob, error) {
	size, err := c.storage.Size(ctx, obj)
	if errors.Is(err, build.ErrObjectNotFound) {
		return nil, fmt.Errorf("open %s: %w", obj.Key(), ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("open %s: %w", obj.Key(), err)
	}
	return &Blob{Object: obj, Size: size}, nil
}

// Copy writes the content of b to w.
func (c *Coordinator) Copy(ctx context.Context, b *Blob, w io.Writer) error {
	if err := c.storage.Download(ctx, b.Object, w); err != nil {
		return fmt.Errorf("copy %s: %w", b.Object.Key(), err)
	}
	return nil
}
