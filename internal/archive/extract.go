package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"

	"github.com/k11v/kiln/internal/build"
)

// StagedPluginsDir is where plugins delivered with a submission are extracted.
// The installed plugins directory is left to the plugin reconciler.
const StagedPluginsDir = "remote/plugins"

var ErrInvalidArchive = errors.New("invalid archive")

// Extract extracts a gzipped tar into dest.
// Entries under plugins/ are redirected into StagedPluginsDir.
// It returns an error wrapping ErrInvalidArchive if the archive is malformed
// or names a path outside dest.
func Extract(r io.Reader, dest string) error {
	gr, err := pgzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("extract: %w: %w", ErrInvalidArchive, err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("extract: %w: %w", ErrInvalidArchive, err)
		}

		name, err := entryName(header.Name)
		if err != nil {
			return fmt.Errorf("extract: %w: %w", ErrInvalidArchive, err)
		}
		if name == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0o777); err != nil {
				return fmt.Errorf("extract: %w", err)
			}
		case tar.TypeReg:
			if err = extractFile(tr, target, header.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("extract: %w", err)
			}
		default:
			// Links and devices are never produced by Write.
		}
	}

	return nil
}

func entryName(name string) (string, error) {
	name = path.Clean(strings.TrimPrefix(name, "./"))
	if name == "." {
		return "", nil
	}
	if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("entry %q is outside the destination", name)
	}
	if rest, found := strings.CutPrefix(name, build.PluginsDir+"/"); found {
		return path.Join(StagedPluginsDir, rest), nil
	}
	if name == build.PluginsDir {
		return StagedPluginsDir, nil
	}
	return name, nil
}

func extractFile(r io.Reader, target string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o666
	}
	openFile, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = io.Copy(openFile, r)
	if closeErr := openFile.Close(); err == nil {
		err = closeErr
	}
	return err
}
