package platform

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/k11v/kiln/internal/process"
	"github.com/k11v/kiln/internal/projectconfig"
	"github.com/k11v/kiln/internal/toolchain/toolchaintest"
)

func pinned(t *testing.T, spec string) *projectconfig.Config {
	t.Helper()
	c, err := projectconfig.Parse([]byte(`<widget><engine name="ios" spec="` + spec + `"/></widget>`))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return c
}

func newReconciler(t *testing.T, installed string) (*Reconciler, *toolchaintest.Recorder) {
	t.Helper()
	dir := t.TempDir()
	tc := &toolchaintest.Recorder{ProjectDir: dir, Installed: map[string]string{"ios": installed}}
	return &Reconciler{ProjectDir: dir, Toolchain: tc, Runner: process.ExecRunner{}}, tc
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("adds a missing platform", func(t *testing.T) {
		r, tc := newReconciler(t, "4.1.0")
		action, err := r.Reconcile(ctx, &ReconcileParams{Platform: "ios", Vcordova: "5.1.1"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if action != ActionAdd {
			t.Fatalf("got %v, want %v", action, ActionAdd)
		}
		if diff := cmp.Diff([]string{"AddPlatform ios"}, tc.Calls()); diff != "" {
			t.Fatalf("calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("keeps the platform when nothing changed", func(t *testing.T) {
		r, tc := newReconciler(t, "4.1.0")
		params := &ReconcileParams{Platform: "ios", Vcordova: "5.1.1", PreviousVcordova: "5.1.1", Config: pinned(t, "~4.1.0")}
		if _, err := r.Reconcile(ctx, params); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		action, err := r.Reconcile(ctx, params)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if action != ActionNone {
			t.Fatalf("got %v, want %v", action, ActionNone)
		}
		if diff := cmp.Diff([]string{"AddPlatform ios"}, tc.Calls()); diff != "" {
			t.Fatalf("calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("re-adds when the installed version doesn't satisfy the pin", func(t *testing.T) {
		r, tc := newReconciler(t, "3.9.2")
		if _, err := r.Reconcile(ctx, &ReconcileParams{Platform: "ios", Vcordova: "5.0.0"}); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		tc.Installed["ios"] = "4.1.1"

		params := &ReconcileParams{Platform: "ios", Vcordova: "5.1.1", PreviousVcordova: "5.0.0", Config: pinned(t, "~4.1.0")}
		action, err := r.Reconcile(ctx, params)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if action != ActionReadd {
			t.Fatalf("got %v, want %v", action, ActionReadd)
		}
		want := []string{"AddPlatform ios", "RemovePlatform ios", "AddPlatform ios"}
		if diff := cmp.Diff(want, tc.Calls()); diff != "" {
			t.Fatalf("calls mismatch (-want +got):\n%s", diff)
		}

		if action, err = r.Reconcile(ctx, params); err != nil || action != ActionNone {
			t.Fatalf("got %v %v, want %v", action, err, ActionNone)
		}
	})

	t.Run("re-adds when the installed version can't be determined", func(t *testing.T) {
		r, _ := newReconciler(t, "")
		if _, err := r.Reconcile(ctx, &ReconcileParams{Platform: "ios", Vcordova: "5.1.1"}); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		action, err := r.Reconcile(ctx, &ReconcileParams{Platform: "ios", Vcordova: "5.1.1", PreviousVcordova: "5.1.1", Config: pinned(t, "~4.1.0")})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if action != ActionReadd {
			t.Fatalf("got %v, want %v", action, ActionReadd)
		}
	})

	t.Run("re-adds once when the toolchain changed without a pin", func(t *testing.T) {
		r, tc := newReconciler(t, "4.1.0")
		if err := os.MkdirAll(filepath.Join(r.ProjectDir, Dir, "ios"), 0o777); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		params := &ReconcileParams{Platform: "ios", Vcordova: "5.1.1", PreviousVcordova: "5.0.0"}
		action, err := r.Reconcile(ctx, params)
		if err != nil || action != ActionReadd {
			t.Fatalf("got %v %v, want %v", action, err, ActionReadd)
		}
		action, err = r.Reconcile(ctx, params)
		if err != nil || action != ActionNone {
			t.Fatalf("got %v %v, want %v", action, err, ActionNone)
		}
		want := []string{"RemovePlatform ios", "AddPlatform ios"}
		if diff := cmp.Diff(want, tc.Calls()); diff != "" {
			t.Fatalf("calls mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("treats equal versions with different spelling as unchanged", func(t *testing.T) {
		r, tc := newReconciler(t, "4.1.0")
		if err := os.MkdirAll(filepath.Join(r.ProjectDir, Dir, "ios"), 0o777); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		action, err := r.Reconcile(ctx, &ReconcileParams{Platform: "ios", Vcordova: "5.1", PreviousVcordova: "v5.1.0"})
		if err != nil || action != ActionNone {
			t.Fatalf("got %v %v, want %v", action, err, ActionNone)
		}
		if len(tc.Calls()) != 0 {
			t.Fatalf("got %v, want no calls", tc.Calls())
		}
	})
}
