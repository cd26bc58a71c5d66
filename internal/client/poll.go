package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/k11v/kiln/internal/build"
)

// DefaultPollInterval is used when Poll gets a non-positive interval.
const DefaultPollInterval = 5 * time.Second

// Poll requests statusURL every interval until the build reaches a terminal status.
// A complete or error build is returned without error, so the caller can still
// fetch the log of a failed build. An invalid build and any non-200 response
// are errors. There is no overall timeout: only ctx stops polling.
func (c *Client) Poll(ctx context.Context, statusURL string, interval time.Duration) (*build.Info, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	var last build.Status
	for {
		info, err := c.pollOnce(ctx, statusURL)
		if err != nil {
			return nil, err
		}

		if info.Status != last {
			slog.Default().Info("build status", "build_number", info.BuildNumber, "status", info.Status, "message", info.StatusMessage)
			last = info.Status
		}

		switch info.Status {
		case build.StatusComplete, build.StatusError:
			return info, nil
		case build.StatusInvalid:
			if info.StatusCode == build.CodeWorkspaceGone {
				return nil, fmt.Errorf("%w: %w: %s", ErrBuildInvalid, ErrWorkspaceGone, info.StatusMessage)
			}
			return nil, fmt.Errorf("%w: %s", ErrBuildInvalid, info.StatusMessage)
		case build.StatusUploaded, build.StatusExtracted, build.StatusBuilding:
			if err = sleep(ctx, interval); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("poll: unknown status %q", info.Status)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context, statusURL string) (*build.Info, error) {
	resp, err := c.get(ctx, statusURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.Status, string(detail))
	}

	info := new(build.Info)
	if err = json.NewDecoder(resp.Body).Decode(info); err != nil {
		return nil, fmt.Errorf("poll: %w", err)
	}
	return info, nil
}
