package archive

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/pgzip"
)

// Write writes a gzipped tar of the files f keeps to w.
// Entries are written in lexical order.
func Write(ctx context.Context, w io.Writer, f *Filter) error {
	gw := pgzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	err := filepath.WalkDir(f.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are left out, not fatal.
			slog.Default().Warn("didn't read project entry", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(f.Root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)

		if f.Excluded(name, d.IsDir()) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !f.Keep(name) {
			return nil
		}

		return writeEntry(tw, p, name)
	})
	if err != nil {
		return fmt.Errorf("archive write: %w", err)
	}

	if err = tw.Close(); err != nil {
		return fmt.Errorf("archive write: %w", err)
	}
	if err = gw.Close(); err != nil {
		return fmt.Errorf("archive write: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, p string, name string) error {
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if info.IsDir() {
		header.Name += "/"
	}
	// Ownership isn't meaningful on the build farm.
	header.Uid, header.Gid, header.Uname, header.Gname = 0, 0, "", ""

	if err = tw.WriteHeader(header); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	openFile, err := os.Open(p)
	if err != nil {
		return err
	}
	defer openFile.Close()

	_, err = io.Copy(tw, openFile)
	return err
}

// Stream returns a reader of the archive Write produces.
// The archive is built concurrently as the reader is consumed,
// so it is never held in memory as a whole.
func Stream(ctx context.Context, f *Filter) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		err := Write(ctx, pw, f)
		_ = pw.CloseWithError(err) // nil closes normally
	}()
	return pr
}
