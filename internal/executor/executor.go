// Package executor runs the server-side phases of one build.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/platform"
	"github.com/k11v/kiln/internal/plugin"
	"github.com/k11v/kiln/internal/process"
	"github.com/k11v/kiln/internal/projectconfig"
	"github.com/k11v/kiln/internal/toolchain"
)

// InstallFile is the installation metadata written next to a device artifact.
const InstallFile = "install.json"

// Sink receives every status change as it happens.
type Sink interface {
	Report(ctx context.Context, info *build.Info) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, info *build.Info) error

func (f SinkFunc) Report(ctx context.Context, info *build.Info) error {
	return f(ctx, info)
}

// State is what the phases of one build share.
type State struct {
	Info        *build.Info
	ProjectDir  string
	ArtifactDir string
	Config      *projectconfig.Config // nil without config.xml
	AppPath     string                // set by a post-build hook
	Artifact    string                // set by device packaging
}

// Executor runs builds. One Executor may run many builds concurrently
// as long as each has its own project directory.
type Executor struct {
	Toolchain func(projectDir string, info *build.Info) toolchain.Toolchain // required
	Runner    process.Runner                                                // required
	Sink      Sink                                                          // required
	Logger    *slog.Logger                                                  // optional
	Guard     *VersionGuard                                                 // optional
	Hooks     map[string]Hooks                                              // optional, defaults to DefaultHooks

	PluginBaseline             string // optional
	PluginRegistryMinToolchain string // optional
}

func (e *Executor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Executor) hooks(p string) Hooks {
	if e.Hooks == nil {
		return DefaultHooks()[p]
	}
	return e.Hooks[p]
}

type ExecuteParams struct {
	Info        *build.Info // required, updated in place
	ProjectDir  string      // required
	ArtifactDir string      // required for device builds
}

type phase struct {
	message string
	run     func(ctx context.Context, s *State) error
}

// Execute runs the build phases in order. Each phase reports a building
// status before it starts. The first failure is reported once as an error
// status and returned; later phases don't run.
//
// Started processes are not stopped by ctx.
func (e *Executor) Execute(ctx context.Context, params *ExecuteParams) error {
	info := params.Info
	s := &State{Info: info, ProjectDir: params.ProjectDir, ArtifactDir: params.ArtifactDir}
	tc := e.Toolchain(params.ProjectDir, info)
	logger := e.logger().With("build_number", info.BuildNumber, "platform", info.Platform)

	hooks := e.hooks(info.Platform)
	phases := []phase{
		{"Preparing project", e.prepare},
		{"Updating plugins", func(ctx context.Context, s *State) error {
			r := &plugin.Reconciler{
				ProjectDir:           s.ProjectDir,
				Toolchain:            tc,
				Logger:               logger,
				Baseline:             e.PluginBaseline,
				RegistryMinToolchain: e.PluginRegistryMinToolchain,
			}
			result, err := r.Reconcile(ctx, &plugin.ReconcileParams{ChangeList: info.ChangeList, Vcordova: info.Vcordova})
			if err != nil {
				return err
			}
			logger.Info("reconciled plugins", "removed", result.Removed, "overwritten", result.Overwritten, "installed", result.Installed)
			return nil
		}},
		{"Updating platform " + info.Platform, func(ctx context.Context, s *State) error {
			r := &platform.Reconciler{ProjectDir: s.ProjectDir, Toolchain: tc, Runner: e.Runner, Logger: logger}
			action, err := r.Reconcile(ctx, &platform.ReconcileParams{
				Platform:         info.Platform,
				Vcordova:         info.Vcordova,
				PreviousVcordova: info.PreviousVcordova,
				Config:           s.Config,
			})
			if err != nil {
				return err
			}
			logger.Info("reconciled platform", "action", action)
			return nil
		}},
	}
	if len(hooks.PreBuild) > 0 {
		phases = append(phases, phase{"Running pre-build hooks", runHooks(hooks.PreBuild)})
	}
	phases = append(phases, phase{
		fmt.Sprintf("Building %s (%s)", info.Platform, info.Configuration),
		func(ctx context.Context, s *State) error {
			return tc.Build(ctx, info.Platform, buildOptions(info))
		},
	})
	if len(hooks.PostBuild) > 0 {
		phases = append(phases, phase{"Running post-build hooks", runHooks(hooks.PostBuild)})
	}
	if info.IsDevice() {
		phases = append(phases, phase{"Packaging for device", func(ctx context.Context, s *State) error {
			return packageForDevice(ctx, tc, s)
		}})
	}

	for _, ph := range phases {
		e.report(ctx, logger, info, build.StatusBuilding, ph.message, 0)
		if err := ph.run(ctx, s); err != nil {
			logger.Error("didn't complete phase", "phase", ph.message, "error", err)
			e.report(ctx, logger, info, build.StatusError, fmt.Sprintf("%s: %v", ph.message, err), exitCode(err))
			return fmt.Errorf("executor: %s: %w", ph.message, err)
		}
	}

	e.report(ctx, logger, info, build.StatusComplete, "Build completed", 0)
	return nil
}

func (e *Executor) report(ctx context.Context, logger *slog.Logger, info *build.Info, status build.Status, message string, code int) {
	if err := info.Update(status, message, code); err != nil {
		logger.Error("didn't update status", "error", err)
		return
	}
	if err := e.Sink.Report(ctx, info); err != nil {
		logger.Error("didn't report status", "status", status, "error", err)
	}
}

// prepare checks the project directory, reads its configuration and applies the version guard.
func (e *Executor) prepare(ctx context.Context, s *State) error {
	info, err := os.Stat(s.ProjectDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.ProjectDir)
	}

	s.Config, err = projectconfig.Load(s.ProjectDir)
	if errors.Is(err, projectconfig.ErrNotFound) {
		s.Config, err = nil, nil
	}
	if err != nil {
		return err
	}

	guard := e.Guard
	if guard == nil {
		guard = &VersionGuard{}
	}
	return guard.Check(ctx, e.Runner, s.Info.Vcordova)
}

func runHooks(hooks []Hook) func(ctx context.Context, s *State) error {
	return func(ctx context.Context, s *State) error {
		for _, h := range hooks {
			if err := h.Run(ctx, s); err != nil {
				return fmt.Errorf("%s: %w", h.Name, err)
			}
		}
		return nil
	}
}

func buildOptions(info *build.Info) *toolchain.Options {
	var extra []string
	for _, f := range strings.Fields(info.Options) {
		if f != build.OptionDevice {
			extra = append(extra, f)
		}
	}
	return &toolchain.Options{
		Configuration: info.Configuration,
		Device:        info.IsDevice(),
		Extra:         extra,
	}
}

// InstallInfo is the metadata clients need to install a device artifact.
type InstallInfo struct {
	Platform    string    `json:"platform"`
	BuildNumber int       `json:"buildNumber"`
	Artifact    string    `json:"artifact"`
	AppID       string    `json:"appId,omitempty"`
	AppVersion  string    `json:"appVersion,omitempty"`
	CreateTime  time.Time `json:"createTime"`
}

func packageForDevice(ctx context.Context, tc toolchain.Toolchain, s *State) error {
	if s.AppPath == "" {
		return ErrNoArtifact
	}
	if s.ArtifactDir == "" {
		return errors.New("no artifact directory")
	}
	if err := os.MkdirAll(s.ArtifactDir, 0o777); err != nil {
		return err
	}

	ext := ".apk"
	if s.Info.Platform == build.PlatformIOS {
		ext = ".ipa"
	}
	name := strings.TrimSuffix(filepath.Base(s.AppPath), filepath.Ext(s.AppPath)) + ext
	output := filepath.Join(s.ArtifactDir, name)
	if err := tc.Package(ctx, s.Info.Platform, &toolchain.Options{AppPath: s.AppPath, Output: output}); err != nil {
		return err
	}
	s.Artifact = output

	install := &InstallInfo{
		Platform:    s.Info.Platform,
		BuildNumber: s.Info.BuildNumber,
		Artifact:    name,
		CreateTime:  time.Now().UTC(),
	}
	if s.Config != nil {
		install.AppID, install.AppVersion = s.Config.ID(), s.Config.Version()
	}
	data, err := json.MarshalIndent(install, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.ArtifactDir, InstallFile), data, 0o666)
}

func exitCode(err error) int {
	if exitErr := (*process.ExitError)(nil); errors.As(err, &exitErr) {
		return exitErr.ExitCode
	}
	return 1
}
