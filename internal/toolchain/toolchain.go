// Package toolchain invokes the native build toolchain by named operation.
package toolchain

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/fsutil"
	"github.com/k11v/kiln/internal/process"
)

// Options is the options bag shared by all operations.
// Each operation reads only the fields it needs.
type Options struct {
	Variables     map[string]string   // plugin install variables
	Configuration build.Configuration // build and compile
	Device        bool                // build and compile
	Extra         []string            // pass-through toolchain flags
	AppPath       string              // package input
	Output        string              // package output
}

// Toolchain is the native toolchain of one project.
type Toolchain interface {
	AddPlatform(ctx context.Context, platform string, opts *Options) error
	RemovePlatform(ctx context.Context, platform string, opts *Options) error
	UpdatePlatform(ctx context.Context, platform string, opts *Options) error
	AddPlugin(ctx context.Context, source string, opts *Options) error
	RemovePlugin(ctx context.Context, id string, opts *Options) error
	Build(ctx context.Context, platform string, opts *Options) error
	Compile(ctx context.Context, platform string, opts *Options) error
	Package(ctx context.Context, platform string, opts *Options) error
}

// DefaultCommand runs the toolchain CLI of the requested version.
var DefaultCommand = []string{"npx", "--yes", "cordova@{version}"}

// CLI is a Toolchain that runs the toolchain's command line in ProjectDir.
type CLI struct {
	Runner     process.Runner // required
	ProjectDir string         // required
	Version    string         // required, replaces {version} in Command
	Command    []string       // optional, defaults to DefaultCommand
	Stdout     io.Writer      // optional
	Stderr     io.Writer      // optional
}

var _ Toolchain = (*CLI)(nil)

func (c *CLI) command() []string {
	tmpl := c.Command
	if len(tmpl) == 0 {
		tmpl = DefaultCommand
	}
	cmd := make([]string, len(tmpl))
	for i, s := range tmpl {
		cmd[i] = strings.ReplaceAll(s, "{version}", c.Version)
	}
	return cmd
}

func (c *CLI) run(ctx context.Context, args ...string) error {
	cmd := append(c.command(), args...)
	err := c.Runner.Run(ctx, &process.Command{
		Name:   cmd[0],
		Args:   cmd[1:],
		Dir:    c.ProjectDir,
		Stdout: c.Stdout,
		Stderr: c.Stderr,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func (c *CLI) AddPlatform(ctx context.Context, platform string, opts *Options) error {
	return c.run(ctx, append([]string{"platform", "add", platform}, extra(opts)...)...)
}

func (c *CLI) RemovePlatform(ctx context.Context, platform string, opts *Options) error {
	return c.run(ctx, append([]string{"platform", "remove", platform}, extra(opts)...)...)
}

func (c *CLI) UpdatePlatform(ctx context.Context, platform string, opts *Options) error {
	return c.run(ctx, append([]string{"platform", "update", platform}, extra(opts)...)...)
}

// AddPlugin installs a plugin from a registry id, a directory or a URL.
func (c *CLI) AddPlugin(ctx context.Context, source string, opts *Options) error {
	args := []string{"plugin", "add", source}
	if opts != nil {
		names := make([]string, 0, len(opts.Variables))
		for name := range opts.Variables {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			args = append(args, "--variable", name+"="+opts.Variables[name])
		}
	}
	return c.run(ctx, append(args, extra(opts)...)...)
}

func (c *CLI) RemovePlugin(ctx context.Context, id string, opts *Options) error {
	return c.run(ctx, append([]string{"plugin", "remove", id}, extra(opts)...)...)
}

func (c *CLI) Build(ctx context.Context, platform string, opts *Options) error {
	return c.run(ctx, buildArgs("build", platform, opts)...)
}

func (c *CLI) Compile(ctx context.Context, platform string, opts *Options) error {
	return c.run(ctx, buildArgs("compile", platform, opts)...)
}

// Package turns the built app at opts.AppPath into an installable artifact at opts.Output.
// iOS apps are packaged with xcrun; other platforms already produce an installable file.
func (c *CLI) Package(ctx context.Context, platform string, opts *Options) error {
	if opts == nil || opts.AppPath == "" || opts.Output == "" {
		return fmt.Errorf("package: app path and output are required")
	}
	if platform != build.PlatformIOS {
		if err := fsutil.CopyFile(opts.AppPath, opts.Output, 0o666); err != nil {
			return fmt.Errorf("package: %w", err)
		}
		return nil
	}
	err := c.Runner.Run(ctx, &process.Command{
		Name:   "xcrun",
		Args:   []string{"-sdk", "iphoneos", "PackageApplication", "-v", opts.AppPath, "-o", opts.Output},
		Dir:    c.ProjectDir,
		Stdout: c.Stdout,
		Stderr: c.Stderr,
	})
	if err != nil {
		return fmt.Errorf("package: %w", err)
	}
	return nil
}

func buildArgs(op string, platform string, opts *Options) []string {
	args := []string{op, platform}
	if opts == nil {
		return args
	}
	if opts.Configuration == build.ConfigurationRelease {
		args = append(args, "--release")
	} else {
		args = append(args, "--debug")
	}
	if opts.Device {
		args = append(args, build.OptionDevice)
	}
	return append(args, opts.Extra...)
}

func extra(opts *Options) []string {
	if opts == nil {
		return nil
	}
	return opts.Extra
}
