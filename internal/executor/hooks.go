package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/k11v/kiln/internal/build"
)

// Hook runs at a fixed point of the build. Hooks run in list order
// and the first failure fails the build.
type Hook struct {
	Name string
	Run  func(ctx context.Context, s *State) error
}

// Hooks are the pre-build and post-build hooks of one platform.
type Hooks struct {
	PreBuild  []Hook
	PostBuild []Hook
}

// DefaultHooks returns the built-in hooks by platform.
func DefaultHooks() map[string]Hooks {
	return map[string]Hooks{
		build.PlatformIOS: {
			PreBuild:  []Hook{{Name: "apply preferences to build settings", Run: applyIOSPreferences}},
			PostBuild: []Hook{{Name: "locate app bundle", Run: locateIOSApp}},
		},
		"android": {
			PostBuild: []Hook{{Name: "locate package", Run: locateAndroidPackage}},
		},
	}
}

// iosBuildSetting maps a config.xml preference to a build.xcconfig setting.
func iosBuildSetting(name, value string) (key string, v string, ok bool) {
	switch name {
	case "deployment-target":
		return "IPHONEOS_DEPLOYMENT_TARGET", value, true
	case "target-device":
		switch value {
		case "handset":
			return "TARGETED_DEVICE_FAMILY", "1", true
		case "tablet":
			return "TARGETED_DEVICE_FAMILY", "2", true
		default:
			return "TARGETED_DEVICE_FAMILY", "1,2", true
		}
	default:
		return "", "", false
	}
}

// applyIOSPreferences writes preference-derived settings into
// platforms/ios/cordova/build.xcconfig, replacing earlier values.
func applyIOSPreferences(ctx context.Context, s *State) error {
	if s.Config == nil {
		return nil
	}
	settings := make(map[string]string)
	for name, value := range s.Config.Preferences(build.PlatformIOS) {
		if k, v, ok := iosBuildSetting(name, value); ok {
			settings[k] = v
		}
	}
	if len(settings) == 0 {
		return nil
	}

	name := filepath.Join(s.ProjectDir, "platforms", build.PlatformIOS, "cordova", "build.xcconfig")
	var lines []string
	if f, err := os.Open(name); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			key, _, _ := strings.Cut(sc.Text(), "=")
			if _, replaced := settings[strings.TrimSpace(key)]; !replaced {
				lines = append(lines, sc.Text())
			}
		}
		_ = f.Close()
		if err = sc.Err(); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		lines = append(lines, k+" = "+settings[k])
	}

	if err := os.MkdirAll(filepath.Dir(name), 0o777); err != nil {
		return err
	}
	return os.WriteFile(name, []byte(strings.Join(lines, "\n")+"\n"), 0o666)
}

var ErrNoArtifact = errors.New("no build artifact")

// locateIOSApp records the built .app bundle.
func locateIOSApp(ctx context.Context, s *State) error {
	dir := "emulator"
	if s.Info.IsDevice() {
		dir = "device"
	}
	matches, err := filepath.Glob(filepath.Join(s.ProjectDir, "platforms", build.PlatformIOS, "build", dir, "*.app"))
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w: no .app in build/%s", ErrNoArtifact, dir)
	}
	slices.Sort(matches)
	s.AppPath = matches[0]
	return nil
}

// locateAndroidPackage records the first built .apk.
func locateAndroidPackage(ctx context.Context, s *State) error {
	var found string
	root := filepath.Join(s.ProjectDir, "platforms", "android")
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".apk") {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if found == "" {
		return fmt.Errorf("%w: no .apk in platforms/android", ErrNoArtifact)
	}
	s.AppPath = found
	return nil
}
