// Package remotebuild runs one build of a local project on the remote build server.
package remotebuild

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/changelist"
	"github.com/k11v/kiln/internal/client"
)

var ErrBuildFailed = errors.New("build failed")

// Remote is the part of *client.Client the pipeline uses.
type Remote interface {
	CheckIncrementalEligibility(ctx context.Context, buildNumber int) bool
	Submit(ctx context.Context, info *build.Info, projectRoot string) (*client.Submission, error)
	Poll(ctx context.Context, statusURL string, interval time.Duration) (*build.Info, error)
	FetchLog(ctx context.Context, buildNumber int, w io.Writer) error
	FetchRemotePluginManifest(ctx context.Context, buildNumber int, platform string, destDir string) (string, error)
	DownloadBuild(ctx context.Context, buildNumber int, destDir string) error
}

type RunParams struct {
	ProjectRoot   string              // required
	Platform      string              // required
	Configuration build.Configuration // required
	Vcordova      string              // required
	Device        bool
	OutputDir     string        // optional, defaults to ProjectRoot/.kiln/<platform>
	PollInterval  time.Duration // optional
	Log           io.Writer     // optional, receives the remote build log
}

func (p *RunParams) outputDir() string {
	if p.OutputDir == "" {
		return filepath.Join(p.ProjectRoot, changelist.StateDir, p.Platform)
	}
	return p.OutputDir
}

func (p *RunParams) log() io.Writer {
	if p.Log == nil {
		return io.Discard
	}
	return p.Log
}

// Run submits the project, waits for the build and retrieves its results.
// The build continues the previous lineage when the server still has it
// and starts a new one otherwise. A build that ends with the error status
// returns an error wrapping ErrBuildFailed after its log has been fetched.
// An invalid build fails with client.ErrBuildInvalid, except an incremental
// build whose working state the server lost, which is submitted again in full.
func Run(ctx context.Context, remote Remote, params *RunParams) (*build.Info, error) {
	logger := slog.Default().With("platform", params.Platform)
	store := &changelist.Store{Root: params.ProjectRoot}

	info := &build.Info{
		Platform:      params.Platform,
		Configuration: params.Configuration,
		Vcordova:      params.Vcordova,
	}
	if params.Device {
		info.Options = build.OptionDevice
	}

	snapshot, err := changelist.Take(ctx, params.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("remote build: %w", err)
	}

	last, err := store.Load(params.Platform)
	switch {
	case errors.Is(err, changelist.ErrNotFound):
		logger.Info("submitting full build", "reason", "no previous build")
	case err != nil:
		// A damaged manifest only costs a full upload.
		logger.Warn("didn't load previous build", "error", err)
	case !remote.CheckIncrementalEligibility(ctx, last.BuildNumber):
		logger.Info("submitting full build", "reason", "previous build is gone", "build_number", last.BuildNumber)
	default:
		info.BuildNumber = last.BuildNumber
		info.PreviousVcordova = last.Vcordova
		info.ChangeList = changelist.Diff(last.Files, snapshot)
		logger.Info("submitting incremental build", "build_number", last.BuildNumber)
	}

	final, err := submitAndPoll(ctx, logger, remote, info, params)
	if errors.Is(err, client.ErrWorkspaceGone) && info.IsIncremental() {
		logger.Info("submitting full build", "reason", "working state is gone", "build_number", info.BuildNumber)
		info.BuildNumber, info.PreviousVcordova, info.ChangeList = 0, "", nil
		final, err = submitAndPoll(ctx, logger, remote, info, params)
	}
	if err != nil {
		return nil, fmt.Errorf("remote build: %w", err)
	}
	final.Platform, final.Configuration, final.Options = info.Platform, info.Configuration, info.Options

	if err = remote.FetchLog(ctx, final.BuildNumber, params.log()); err != nil {
		logger.Warn("didn't fetch build log", "build_number", final.BuildNumber, "error", err)
	}

	if final.Status.IsFailure() {
		return final, fmt.Errorf("remote build: %w: %s", ErrBuildFailed, final.StatusMessage)
	}

	outputDir := params.outputDir()
	if err = os.MkdirAll(outputDir, 0o777); err != nil {
		return final, fmt.Errorf("remote build: %w", err)
	}
	_, err = remote.FetchRemotePluginManifest(ctx, final.BuildNumber, params.Platform, outputDir)
	if errors.Is(err, client.ErrNotFound) {
		logger.Warn("didn't fetch remote plugin manifest", "build_number", final.BuildNumber, "error", err)
	} else if err != nil {
		return final, fmt.Errorf("remote build: %w", err)
	}

	m := &changelist.Manifest{BuildNumber: final.BuildNumber, Vcordova: params.Vcordova, Files: snapshot}
	if info.ChangeList != nil {
		m.ChangeList = *info.ChangeList
	}
	if err = store.Save(params.Platform, m); err != nil {
		return final, fmt.Errorf("remote build: %w", err)
	}

	if final.IsDevice() {
		if err = remote.DownloadBuild(ctx, final.BuildNumber, outputDir); err != nil {
			return final, fmt.Errorf("remote build: %w", err)
		}
		if err = final.Update(build.StatusDownloaded, "", 0); err != nil {
			return final, fmt.Errorf("remote build: %w", err)
		}
	}

	return final, nil
}

func submitAndPoll(ctx context.Context, logger *slog.Logger, remote Remote, info *build.Info, params *RunParams) (*build.Info, error) {
	submission, err := submit(ctx, remote, info, params.ProjectRoot)
	if err != nil {
		return nil, err
	}
	logger.Info("submitted build", "build_number", submission.Info.BuildNumber, "status_url", submission.StatusURL)

	return remote.Poll(ctx, submission.StatusURL, params.PollInterval)
}

// submit writes the change-list manifest for an incremental build,
// submits and removes the manifest again.
func submit(ctx context.Context, remote Remote, info *build.Info, projectRoot string) (*client.Submission, error) {
	if info.IsIncremental() {
		p := filepath.Join(projectRoot, build.ChangeListFile)
		data, err := json.Marshal(info.ChangeList)
		if err != nil {
			return nil, err
		}
		if err = os.WriteFile(p, data, 0o666); err != nil {
			return nil, err
		}
		defer func() {
			if err := os.Remove(p); err != nil {
				slog.Default().Warn("didn't remove change-list manifest", "error", err)
			}
		}()
	}
	return remote.Submit(ctx, info, projectRoot)
}
