package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"
)

// RemotePluginManifestFile returns the local file name of a platform's remote plugin manifest.
func RemotePluginManifestFile(platform string) string {
	return "remote_" + platform + ".json"
}

var ErrUnpack = errors.New("unpack")

// FetchLog copies the build log to w until the stream ends.
func (c *Client) FetchLog(ctx context.Context, buildNumber int, w io.Writer) error {
	resp, err := c.get(ctx, c.endpoint("/build/tasks/"+strconv.Itoa(buildNumber)+"/log", nil))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.Status, "")
	}
	if _, err = io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("fetch log: %w", err)
	}
	return nil
}

// FetchRemotePluginManifest saves the platform plugin manifest produced by
// the build into destDir and returns its path. A build that produced no
// manifest fails with an error wrapping ErrNotFound.
func (c *Client) FetchRemotePluginManifest(ctx context.Context, buildNumber int, platform string, destDir string) (string, error) {
	p := "/files/" + strconv.Itoa(buildNumber) + "/cordovaApp/plugins/" + platform + ".json"
	dest := filepath.Join(destDir, RemotePluginManifestFile(platform))
	if err := c.download(ctx, c.endpoint(p, nil), dest); err != nil {
		return "", fmt.Errorf("fetch remote plugin manifest: %w", err)
	}
	return dest, nil
}

// DownloadBuild downloads the device artifact of buildNumber to
// destDir/<buildNumber>.zip, unpacks it into destDir and removes the zip.
// An unpack failure wraps ErrUnpack and leaves the zip in place.
func (c *Client) DownloadBuild(ctx context.Context, buildNumber int, destDir string) error {
	if err := os.MkdirAll(destDir, 0o777); err != nil {
		return fmt.Errorf("download build: %w", err)
	}

	zipPath := filepath.Join(destDir, strconv.Itoa(buildNumber)+".zip")
	if err := c.download(ctx, c.endpoint("/build/"+strconv.Itoa(buildNumber)+"/download", nil), zipPath); err != nil {
		return fmt.Errorf("download build: %w", err)
	}

	if err := unzip(zipPath, destDir); err != nil {
		return fmt.Errorf("download build: %w: %w", ErrUnpack, err)
	}
	if err := os.Remove(zipPath); err != nil {
		return fmt.Errorf("download build: %w", err)
	}
	return nil
}

func (c *Client) download(ctx context.Context, target string, dest string) error {
	resp, err := c.get(ctx, target)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return &TransportError{Kind: ErrRemoteBuild, Err: fmt.Errorf("%w: %s", ErrNotFound, target)}
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(resp.Status, string(detail))
	}

	openFile, err := os.Create(dest)
	if err != nil {
		return err
	}
	_, err = io.Copy(openFile, resp.Body)
	if closeErr := openFile.Close(); err == nil {
		err = closeErr
	}
	return err
}

func unzip(name string, dest string) error {
	zr, err := zip.OpenReader(name)
	if err != nil {
		return err
	}
	defer zr.Close()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	for _, f := range zr.File {
		target := filepath.Join(root, filepath.FromSlash(f.Name))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("entry %q is outside the destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err = os.MkdirAll(target, 0o777); err != nil {
				return err
			}
			continue
		}
		if err = unzipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func unzipFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o777); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	perm := f.Mode().Perm()
	if perm == 0 {
		perm = 0o666
	}
	openFile, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = io.Copy(openFile, rc)
	if closeErr := openFile.Close(); err == nil {
		err = closeErr
	}
	return err
}
