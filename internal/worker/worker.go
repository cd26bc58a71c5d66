// Package worker runs dispatched builds on a build host.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/k11v/kiln/internal/archive"
	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/executor"
	"github.com/k11v/kiln/internal/process"
	"github.com/k11v/kiln/internal/toolchain"
)

// ProjectDir is the project directory inside a build's workspace.
const ProjectDir = "cordovaApp"

const (
	logFile     = "build.log"
	artifactDir = "artifact"
)

// Storage holds the blobs of build attempts.
type Storage interface {
	Upload(ctx context.Context, obj *build.Object, r io.Reader) error
	Download(ctx context.Context, obj *build.Object, w io.Writer) error
}

type Broker interface {
	PublishEvent(ctx context.Context, ev *build.Event) error
	ConsumeTasks(ctx context.Context, concurrency int, handle func(ctx context.Context, info *build.Info) error) error
}

// Config holds the worker configuration.
type Config struct {
	WorkDir            string        `env:"WORK_DIR"`            // default: "<os.TempDir()>/kiln"
	Concurrency        int           `env:"CONCURRENCY"`         // default: 1
	WorkspaceRetention time.Duration `env:"WORKSPACE_RETENTION"` // default: 168h
	ToolchainCommand   []string      `env:"TOOLCHAIN_COMMAND"`   // default: toolchain.DefaultCommand
	PluginBaseline     string        `env:"PLUGIN_BASELINE"`     // default: plugin.DefaultBaseline
}

func (c *Config) workDir() string {
	if c.WorkDir == "" {
		return filepath.Join(os.TempDir(), "kiln")
	}
	return c.WorkDir
}

func (c *Config) concurrency() int {
	if c.Concurrency <= 0 {
		return 1
	}
	return c.Concurrency
}

func (c *Config) workspaceRetention() time.Duration {
	if c.WorkspaceRetention == 0 {
		return 7 * 24 * time.Hour
	}
	return c.WorkspaceRetention
}

type Worker struct {
	config  *Config        // required
	storage Storage        // required
	broker  Broker         // required
	runner  process.Runner // required
	logger  *slog.Logger   // required
	guard   *executor.VersionGuard
	hooks   map[string]executor.Hooks
	newTC   func(projectDir string, info *build.Info, log io.Writer) toolchain.Toolchain

	mu      sync.Mutex
	lineage map[int]*sync.Mutex
}

type NewParams struct {
	Config  *Config                   // required
	Storage Storage                   // required
	Broker  Broker                    // required
	Runner  process.Runner            // required
	Logger  *slog.Logger              // required
	Guard   *executor.VersionGuard    // optional
	Hooks   map[string]executor.Hooks // optional

	// Toolchain is optional and defaults to the toolchain command line
	// writing its output to the build log.
	Toolchain func(projectDir string, info *build.Info, log io.Writer) toolchain.Toolchain
}

func New(params *NewParams) *Worker {
	return &Worker{
		config:  params.Config,
		storage: params.Storage,
		broker:  params.Broker,
		runner:  params.Runner,
		logger:  params.Logger.With("component", "worker"),
		guard:   params.Guard,
		hooks:   params.Hooks,
		newTC:   params.Toolchain,
		lineage: make(map[int]*sync.Mutex),
	}
}

func (w *Worker) toolchain(projectDir string, info *build.Info, log io.Writer) toolchain.Toolchain {
	if w.newTC != nil {
		return w.newTC(projectDir, info, log)
	}
	return &toolchain.CLI{
		Runner:     w.runner,
		ProjectDir: projectDir,
		Version:    info.Vcordova,
		Command:    w.config.ToolchainCommand,
		Stdout:     log,
		Stderr:     log,
	}
}

// Run consumes build tasks until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.config.workDir(), 0o777); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	w.logger.Info("starting worker", "work_dir", w.config.workDir(), "concurrency", w.config.concurrency())
	return w.broker.ConsumeTasks(ctx, w.config.concurrency(), w.Handle)
}

// Workspace returns the directory a build lineage is kept in.
func (w *Worker) Workspace(buildNumber int) string {
	return filepath.Join(w.config.workDir(), strconv.Itoa(buildNumber))
}

func (w *Worker) lock(buildNumber int) func() {
	w.mu.Lock()
	m, ok := w.lineage[buildNumber]
	if !ok {
		m = new(sync.Mutex)
		w.lineage[buildNumber] = m
	}
	w.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// Handle runs one build attempt: it extracts the archive into the
// lineage's workspace, runs the executor and uploads the results.
// It returns an error only when the task should be retried.
func (w *Worker) Handle(ctx context.Context, info *build.Info) error {
	defer w.prune()
	unlock := w.lock(info.BuildNumber)
	defer unlock()

	logger := w.logger.With("build_number", info.BuildNumber, "attempt", info.Attempt)
	workspace := w.Workspace(info.BuildNumber)
	projectDir := filepath.Join(workspace, ProjectDir)
	publishCtx := context.WithoutCancel(ctx)

	invalid := func(message string, code int) error {
		logger.Warn("rejected build", "reason", message)
		if err := info.Update(build.StatusInvalid, message, code); err != nil {
			return err
		}
		return w.broker.PublishEvent(publishCtx, build.EventOf(info))
	}

	incremental := info.Attempt > 1
	if incremental {
		if _, err := os.Stat(projectDir); err != nil {
			return invalid(fmt.Sprintf("Working state of build %d is gone", info.BuildNumber), build.CodeWorkspaceGone)
		}
	} else if err := os.RemoveAll(workspace); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err := os.MkdirAll(projectDir, 0o777); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	now := time.Now()
	_ = os.Chtimes(workspace, now, now)

	err := w.extract(ctx, info, projectDir)
	if errors.Is(err, archive.ErrInvalidArchive) || errors.Is(err, build.ErrObjectNotFound) {
		return invalid(fmt.Sprintf("Invalid archive: %v", err), build.CodeRejected)
	} else if err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	if incremental {
		info.ChangeList, err = readChangeList(projectDir)
		if err != nil {
			return invalid(fmt.Sprintf("Invalid change list: %v", err), build.CodeRejected)
		}
		removeDeleted(logger, projectDir, info.ChangeList)
	}

	if err = info.Update(build.StatusExtracted, "Archive extracted", 0); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if err = w.broker.PublishEvent(publishCtx, build.EventOf(info)); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	log, err := os.Create(filepath.Join(workspace, logFile))
	if err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	defer log.Close()

	artifacts := filepath.Join(workspace, artifactDir)
	if err = os.RemoveAll(artifacts); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	sink := &eventSink{broker: w.broker, log: log}
	e := &executor.Executor{
		Toolchain: func(projectDir string, info *build.Info) toolchain.Toolchain {
			return w.toolchain(projectDir, info, log)
		},
		Runner:         w.runner,
		Sink:           sink,
		Logger:         logger,
		Guard:          w.guard,
		Hooks:          w.hooks,
		PluginBaseline: w.config.PluginBaseline,
	}
	if err = e.Execute(ctx, &executor.ExecuteParams{Info: info, ProjectDir: projectDir, ArtifactDir: artifacts}); err != nil {
		logger.Info("didn't complete build", "error", err)
	}

	final := build.EventOf(info)
	if uploadErr := w.upload(publishCtx, info, workspace); uploadErr != nil {
		logger.Error("didn't upload build results", "error", uploadErr)
		if final.Status == build.StatusComplete {
			final.Status = build.StatusError
			final.StatusMessage = fmt.Sprintf("Uploading results: %v", uploadErr)
			final.StatusCode = 1
		}
	}
	if err = w.broker.PublishEvent(publishCtx, final); err != nil {
		return fmt.Errorf("worker: %w", err)
	}

	// Retention counts from the end of the build, like the server's update time.
	now = time.Now()
	_ = os.Chtimes(workspace, now, now)

	logger.Info("finished build", "status", final.Status)
	return nil
}

func (w *Worker) extract(ctx context.Context, info *build.Info, projectDir string) error {
	pr, pw := io.Pipe()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obj := &build.Object{BuildNumber: info.BuildNumber, Attempt: info.Attempt, Name: build.ObjectArchive}
		err := w.storage.Download(ctx, obj, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		err := archive.Extract(pr, projectDir)
		pr.CloseWithError(err)
		return err
	})
	return g.Wait()
}

func readChangeList(projectDir string) (*build.ChangeList, error) {
	data, err := os.ReadFile(filepath.Join(projectDir, build.ChangeListFile))
	if err != nil {
		return nil, err
	}
	cl := new(build.ChangeList)
	if err = json.Unmarshal(data, cl); err != nil {
		return nil, err
	}
	return cl, nil
}

// removeDeleted removes deleted files from the project, including files
// dropped from the installed copy of a kept plugin. Deleted plugins are
// left to the plugin reconciler.
func removeDeleted(logger *slog.Logger, projectDir string, cl *build.ChangeList) {
	deletedPlugins := cl.DeletedPlugins()
	for _, name := range cl.DeletedFiles {
		clean := path.Clean(name)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			logger.Warn("didn't remove file outside the project", "file", name)
			continue
		}
		if id, ok := build.PluginOf(clean); ok && slices.Contains(deletedPlugins, id) {
			continue
		}
		err := os.Remove(filepath.Join(projectDir, filepath.FromSlash(clean)))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("didn't remove deleted file", "file", name, "error", err)
		}
	}
}

// pluginManifest returns the working directory relative name of the
// plugin manifest the toolchain writes for platform.
func pluginManifest(platform string) string {
	return path.Join(ProjectDir, build.PluginsDir, platform+".json")
}

// upload stores the log, the plugin manifest and, for completed device
// builds, the zipped artifact directory.
func (w *Worker) upload(ctx context.Context, info *build.Info, workspace string) error {
	var errs []error

	if err := w.uploadFile(ctx, &build.Object{BuildNumber: info.BuildNumber, Attempt: info.Attempt, Name: build.ObjectLog}, filepath.Join(workspace, logFile)); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}

	manifest := pluginManifest(info.Platform)
	err := w.uploadFile(ctx, build.FileObject(info.BuildNumber, info.Attempt, manifest), filepath.Join(workspace, filepath.FromSlash(manifest)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("plugin manifest: %w", err))
	}

	if info.IsDevice() && info.Status == build.StatusComplete {
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(zipDir(pw, filepath.Join(workspace, artifactDir)))
		}()
		err = w.storage.Upload(ctx, &build.Object{BuildNumber: info.BuildNumber, Attempt: info.Attempt, Name: build.ObjectArtifact}, pr)
		_ = pr.CloseWithError(err)
		if err != nil {
			errs = append(errs, fmt.Errorf("artifact: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (w *Worker) uploadFile(ctx context.Context, obj *build.Object, name string) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return w.storage.Upload(ctx, obj, f)
}

// prune removes lineage workspaces unused for longer than the retention.
// Workspaces of running builds are skipped.
func (w *Worker) prune() {
	entries, err := os.ReadDir(w.config.workDir())
	if err != nil {
		w.logger.Error("didn't prune workspaces", "error", err)
		return
	}

	deadline := time.Now().Add(-w.config.workspaceRetention())
	for _, e := range entries {
		n, err := strconv.Atoi(e.Name())
		if err != nil || !e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil || fi.ModTime().After(deadline) {
			continue
		}

		w.mu.Lock()
		m, ok := w.lineage[n]
		if ok && !m.TryLock() {
			w.mu.Unlock()
			continue
		}
		delete(w.lineage, n)
		w.mu.Unlock()

		if err = os.RemoveAll(filepath.Join(w.config.workDir(), e.Name())); err != nil {
			w.logger.Error("didn't prune workspace", "build_number", n, "error", err)
		} else {
			w.logger.Info("pruned workspace", "build_number", n)
		}
		if ok {
			m.Unlock()
		}
	}
}

// eventSink publishes the building statuses of the executor as they happen
// and appends them to the build log. Terminal statuses are left to the worker,
// which publishes them after the results are uploaded.
type eventSink struct {
	broker Broker
	log    io.Writer
}

func (s *eventSink) Report(ctx context.Context, info *build.Info) error {
	line := fmt.Sprintf("[%s] %s\n", info.Status, info.StatusMessage)
	if _, err := io.WriteString(s.log, line); err != nil {
		return err
	}
	if info.Status.IsTerminal() {
		return nil
	}
	return s.broker.PublishEvent(context.WithoutCancel(ctx), build.EventOf(info))
}
