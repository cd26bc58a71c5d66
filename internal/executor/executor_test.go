package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/process"
	"github.com/k11v/kiln/internal/toolchain"
	"github.com/k11v/kiln/internal/toolchain/toolchaintest"
)

// StubRunner answers commands by name.
type StubRunner struct {
	Outputs map[string]string
}

func (r *StubRunner) Run(ctx context.Context, cmd *process.Command) error {
	out, ok := r.Outputs[filepath.Base(cmd.Name)]
	if !ok {
		return &process.ExitError{ExitCode: 127}
	}
	if cmd.Stdout != nil {
		_, _ = fmt.Fprintln(cmd.Stdout, out)
	}
	return nil
}

type SpySink struct {
	Reports []string
}

func (s *SpySink) Report(ctx context.Context, info *build.Info) error {
	s.Reports = append(s.Reports, string(info.Status)+": "+info.StatusMessage)
	return nil
}

func newExecutor(t *testing.T, tc *toolchaintest.Recorder, node string) (*Executor, *SpySink) {
	t.Helper()
	sink := &SpySink{}
	e := &Executor{
		Toolchain: func(string, *build.Info) toolchain.Toolchain { return tc },
		Runner:    &StubRunner{Outputs: map[string]string{"node": node}},
		Sink:      sink,
		Hooks:     map[string]Hooks{},
	}
	return e, sink
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("adds the platform and builds a fresh project", func(t *testing.T) {
		dir := t.TempDir()
		tc := &toolchaintest.Recorder{ProjectDir: dir}
		e, sink := newExecutor(t, tc, "v4.2.0")

		info := &build.Info{BuildNumber: 1, Status: build.StatusExtracted, Platform: "android", Configuration: build.ConfigurationDebug, Vcordova: "5.1.1"}
		if err := e.Execute(ctx, &ExecuteParams{Info: info, ProjectDir: dir}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		wantReports := []string{
			"building: Preparing project",
			"building: Updating plugins",
			"building: Updating platform android",
			"building: Building android (debug)",
			"complete: Build completed",
		}
		if diff := cmp.Diff(wantReports, sink.Reports); diff != "" {
			t.Fatalf("reports mismatch (-want +got):\n%s", diff)
		}
		wantCalls := []string{"AddPlugin cordova-plugin-whitelist", "AddPlatform android", "Build android"}
		if diff := cmp.Diff(wantCalls, tc.Calls()); diff != "" {
			t.Fatalf("calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("reports one error and stops at the failed phase", func(t *testing.T) {
		dir := t.TempDir()
		tc := &toolchaintest.Recorder{ProjectDir: dir, Fail: map[string]error{"Build android": &process.ExitError{ExitCode: 65}}}
		e, sink := newExecutor(t, tc, "v4.2.0")
		e.Hooks = map[string]Hooks{"android": {PostBuild: []Hook{{Name: "never", Run: func(context.Context, *State) error {
			t.Fatalf("didn't want a post-build hook after a failed build")
			return nil
		}}}}}

		info := &build.Info{BuildNumber: 2, Platform: "android", Configuration: build.ConfigurationRelease, Vcordova: "5.1.1"}
		err := e.Execute(ctx, &ExecuteParams{Info: info, ProjectDir: dir})
		var exitErr *process.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("got %v, want *process.ExitError", err)
		}

		last := sink.Reports[len(sink.Reports)-1]
		if !strings.HasPrefix(last, "error: Building android (release)") {
			t.Fatalf("got %q, want the build phase error", last)
		}
		errorReports := 0
		for _, r := range sink.Reports {
			if strings.HasPrefix(r, "error:") {
				errorReports++
			}
		}
		if errorReports != 1 {
			t.Fatalf("got %d error reports, want 1", errorReports)
		}
		if got, want := info.StatusCode, 65; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("rejects an old toolchain on a new host runtime before any work", func(t *testing.T) {
		dir := t.TempDir()
		tc := &toolchaintest.Recorder{ProjectDir: dir}
		e, sink := newExecutor(t, tc, "v6.11.0")

		info := &build.Info{BuildNumber: 3, Platform: "android", Configuration: build.ConfigurationDebug, Vcordova: "5.1.1"}
		err := e.Execute(ctx, &ExecuteParams{Info: info, ProjectDir: dir})
		if !errors.Is(err, ErrIncompatibleToolchain) {
			t.Fatalf("got %v, want %v", err, ErrIncompatibleToolchain)
		}
		if len(tc.Calls()) != 0 {
			t.Fatalf("got %v, want no toolchain calls", tc.Calls())
		}
		want := []string{"building: Preparing project"}
		if diff := cmp.Diff(want, sink.Reports[:1]); diff != "" {
			t.Fatalf("reports mismatch (-want +got):\n%s", diff)
		}
		if got, want := info.Status, build.StatusError; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("accepts a new toolchain on a new host runtime", func(t *testing.T) {
		dir := t.TempDir()
		tc := &toolchaintest.Recorder{ProjectDir: dir}
		e, _ := newExecutor(t, tc, "v6.11.0")

		info := &build.Info{BuildNumber: 4, Platform: "android", Configuration: build.ConfigurationDebug, Vcordova: "5.4.1"}
		if err := e.Execute(ctx, &ExecuteParams{Info: info, ProjectDir: dir}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
	})

	t.Run("packages device builds and writes install metadata", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.MkdirAll(filepath.Join(dir, "platforms", "ios", "build", "device", "Hello.app"), 0o777); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		config := `<widget id="com.example.hello" version="2.0.0"><platform name="ios"><preference name="target-device" value="handset"/></platform></widget>`
		if err := os.WriteFile(filepath.Join(dir, "config.xml"), []byte(config), 0o666); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		tc := &toolchaintest.Recorder{ProjectDir: dir}
		e, sink := newExecutor(t, tc, "v4.2.0")
		e.Hooks = nil

		artifactDir := t.TempDir()
		info := &build.Info{BuildNumber: 5, Platform: "ios", Configuration: build.ConfigurationRelease, Options: build.OptionDevice, Vcordova: "5.1.1"}
		if err := e.Execute(ctx, &ExecuteParams{Info: info, ProjectDir: dir, ArtifactDir: artifactDir}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		wantReports := []string{
			"building: Preparing project",
			"building: Updating plugins",
			"building: Updating platform ios",
			"building: Running pre-build hooks",
			"building: Building ios (release)",
			"building: Running post-build hooks",
			"building: Packaging for device",
			"complete: Build completed",
		}
		if diff := cmp.Diff(wantReports, sink.Reports); diff != "" {
			t.Fatalf("reports mismatch (-want +got):\n%s", diff)
		}

		if _, err := os.Stat(filepath.Join(artifactDir, "Hello.ipa")); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		data, err := os.ReadFile(filepath.Join(artifactDir, InstallFile))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		var install InstallInfo
		if err = json.Unmarshal(data, &install); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if install.Artifact != "Hello.ipa" || install.AppID != "com.example.hello" || install.BuildNumber != 5 {
			t.Fatalf("got %+v, want Hello.ipa of com.example.hello build 5", install)
		}

		xcconfig, err := os.ReadFile(filepath.Join(dir, "platforms", "ios", "cordova", "build.xcconfig"))
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if !strings.Contains(string(xcconfig), "TARGETED_DEVICE_FAMILY = 1") {
			t.Fatalf("got %q, want the device family setting", xcconfig)
		}
	})
}
