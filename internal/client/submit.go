package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/k11v/kiln/internal/archive"
	"github.com/k11v/kiln/internal/build"
)

// Submission is the server's acceptance of a build.
type Submission struct {
	StatusURL string      // from the Content-Location header
	Info      *build.Info // initial snapshot
}

// Submit uploads the project at projectRoot as described by info.
// An incremental info (non-nil ChangeList) continues info.BuildNumber.
// The archive is streamed, never buffered as a whole.
func (c *Client) Submit(ctx context.Context, info *build.Info, projectRoot string) (*Submission, error) {
	query := url.Values{}
	query.Set("command", "build")
	query.Set("vcordova", info.Vcordova)
	query.Set("cfg", string(info.Configuration))
	if info.Platform != "" {
		query.Set("platform", info.Platform)
	}
	if info.IsDevice() {
		query.Set("options", build.OptionDevice)
	}
	if info.IsIncremental() {
		query.Set("buildNumber", strconv.Itoa(info.BuildNumber))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel() // stops the archive writer if the request ends early

	body := archive.Stream(ctx, &archive.Filter{
		Root:       projectRoot,
		Platform:   info.Platform,
		ChangeList: info.ChangeList,
	})
	defer body.Close()

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("/build/tasks", query), body)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	req.Header.Set("Content-Type", "application/gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classify(err, c.secure())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		accepted := new(build.Info)
		if err = json.NewDecoder(resp.Body).Decode(accepted); err != nil {
			return nil, fmt.Errorf("submit: %w", err)
		}
		statusURL, err := c.resolve(resp.Header.Get("Content-Location"))
		if err != nil {
			return nil, fmt.Errorf("submit: %w", err)
		}
		return &Submission{StatusURL: statusURL, Info: accepted}, nil
	case http.StatusBadRequest:
		var rejection struct {
			Status string   `json:"status"`
			Errors []string `json:"errors"`
		}
		if err = json.NewDecoder(resp.Body).Decode(&rejection); err != nil {
			return nil, fmt.Errorf("submit: %w", err)
		}
		return nil, &SubmissionError{Status: rejection.Status, Errors: rejection.Errors}
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.Status, string(detail))
	}
}

// resolve makes a Content-Location absolute. A location without a host is
// relative to the server URL, path prefix included, like every endpoint.
func (c *Client) resolve(location string) (string, error) {
	if location == "" {
		return "", fmt.Errorf("missing Content-Location")
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() || ref.Host != "" {
		return c.serverURL.ResolveReference(ref).String(), nil
	}
	var query url.Values
	if ref.RawQuery != "" {
		query = ref.Query()
	}
	return c.endpoint("/"+strings.TrimPrefix(ref.Path, "/"), query), nil
}

// CheckIncrementalEligibility reports whether the server still has the
// working state of buildNumber. It never fails: any error means not eligible.
func (c *Client) CheckIncrementalEligibility(ctx context.Context, buildNumber int) bool {
	resp, err := c.get(ctx, c.endpoint("/build/"+strconv.Itoa(buildNumber), nil))
	if err != nil {
		slog.Default().Info("didn't probe build", "build_number", buildNumber, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}
