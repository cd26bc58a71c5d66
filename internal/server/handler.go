package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/k11v/kiln/internal/auth"
	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/coordinator"
)

// Service is the part of the coordinator the handler serves.
type Service interface {
	Submit(ctx context.Context, params *coordinator.SubmitParams) (*build.Info, error)
	Get(ctx context.Context, buildNumber int) (*build.Info, error)
	Exists(ctx context.Context, buildNumber int) (bool, error)
	OpenLog(ctx context.Context, buildNumber int) (*coordinator.Blob, error)
	OpenDownload(ctx context.Context, buildNumber int) (*coordinator.Blob, error)
	OpenFile(ctx context.Context, buildNumber int, name string) (*coordinator.Blob, error)
	Copy(ctx context.Context, b *coordinator.Blob, w io.Writer) error
}

var _ Service = (*coordinator.Coordinator)(nil)

const (
	headerAuthorization   = "Authorization"
	headerContentLocation = "Content-Location"
)

type handler struct {
	mux                *http.ServeMux
	service            Service
	logger             *slog.Logger
	maxArchiveSize     int64
	jwtVerificationKey ed25519.PublicKey // nil disables token checks
}

type handlerParams struct {
	Service            Service
	Logger             *slog.Logger
	MaxArchiveSize     int64
	JWTVerificationKey ed25519.PublicKey
	Development        bool
}

func newHandler(params *handlerParams) *handler {
	mux := http.NewServeMux()
	h := &handler{
		mux:                mux,
		service:            params.Service,
		logger:             params.Logger,
		maxArchiveSize:     params.MaxArchiveSize,
		jwtVerificationKey: params.JWTVerificationKey,
	}

	if params.Development {
		mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	}

	mux.HandleFunc("GET /health", h.GetHealth)

	mux.Handle("POST /build/tasks", h.authenticated(h.SubmitBuild))
	mux.Handle("GET /build/tasks/{n}/log", h.authenticated(h.GetBuildLog))
	mux.Handle("GET /build/{n}", h.authenticated(h.CheckBuild))
	// /build/tasks/{n} and /build/{n}/download overlap on /build/tasks/download,
	// so both are served by one pattern.
	mux.Handle("GET /build/{segment}/{name}", h.authenticated(h.getBuildResource))
	mux.Handle("GET /files/{n}/{name...}", h.authenticated(h.GetBuildFile))

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authenticated checks the bearer token when a verification key is set.
func (h *handler) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.jwtVerificationKey == nil {
			next(w, r)
			return
		}

		values := r.Header.Values(headerAuthorization)
		if len(values) != 1 {
			http.Error(w, fmt.Sprintf("expected one %s request header", headerAuthorization), http.StatusUnauthorized)
			return
		}
		s, found := strings.CutPrefix(values[0], "Bearer ")
		if !found {
			http.Error(w, fmt.Sprintf("invalid %s request header: not a bearer token", headerAuthorization), http.StatusUnauthorized)
			return
		}
		token, err := auth.Verify(h.jwtVerificationKey, s)
		if err != nil {
			http.Error(w, fmt.Errorf("invalid %s request header: %w", headerAuthorization, err).Error(), http.StatusUnauthorized)
			return
		}

		h.logger.Debug("authenticated request", "subject", token.Subject, "token_id", token.ID)
		next(w, r)
	})
}

// GetHealth godoc
//
//	@Summary	Report server health
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	healthResponse
//	@Router		/health [get]
func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

type healthResponse struct {
	Status string `json:"status"`
}

type invalidSubmissionResponse struct {
	Status string   `json:"status"`
	Errors []string `json:"errors"`
}

// SubmitBuild godoc
//
//	@Summary	Submit a project archive for building
//	@Tags		builds
//	@Accept		application/gzip
//	@Produce	json
//	@Param		command		query		string	true	"Command, always build"
//	@Param		vcordova	query		string	true	"Toolchain version"
//	@Param		cfg			query		string	true	"Build configuration"	Enums(debug, release)
//	@Param		platform	query		string	false	"Target platform"
//	@Param		options		query		string	false	"Build options"	Enums(--device)
//	@Param		buildNumber	query		int		false	"Lineage to continue"
//	@Success	202			{object}	build.Info
//	@Header		202			{string}	Content-Location	"Status URL"
//	@Failure	400			{object}	invalidSubmissionResponse
//	@Failure	404			{string}	string
//	@Failure	409			{string}	string
//	@Router		/build/tasks [post]
func (h *handler) SubmitBuild(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	buildNumber := 0
	if s := query.Get("buildNumber"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			n = -1
		}
		buildNumber = n
	}

	info, err := h.service.Submit(r.Context(), &coordinator.SubmitParams{
		Command:       query.Get("command"),
		BuildNumber:   buildNumber,
		Platform:      query.Get("platform"),
		Configuration: query.Get("cfg"),
		Options:       query.Get("options"),
		Vcordova:      query.Get("vcordova"),
		Archive:       http.MaxBytesReader(w, r.Body, h.maxArchiveSize),
	})
	var validationErr *coordinator.ValidationError
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.As(err, &validationErr):
		h.writeJSON(w, http.StatusBadRequest, invalidSubmissionResponse{Status: "Invalid build submission", Errors: validationErr.Errors})
		return
	case errors.As(err, &maxBytesErr):
		http.Error(w, fmt.Sprintf("archive is larger than %d bytes", maxBytesErr.Limit), http.StatusRequestEntityTooLarge)
		return
	case errors.Is(err, coordinator.ErrBuildInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, coordinator.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		h.serveServerError(w, r, err)
		return
	}

	w.Header().Set(headerContentLocation, "/build/tasks/"+strconv.Itoa(info.BuildNumber))
	h.writeJSON(w, http.StatusAccepted, info)
}

func (h *handler) getBuildResource(w http.ResponseWriter, r *http.Request) {
	segment, name := r.PathValue("segment"), r.PathValue("name")
	switch {
	case segment == "tasks":
		r.SetPathValue("n", name)
		h.GetBuildStatus(w, r)
	case name == "download":
		r.SetPathValue("n", segment)
		h.DownloadBuild(w, r)
	default:
		http.NotFound(w, r)
	}
}

// GetBuildStatus godoc
//
//	@Summary	Get the status of the latest attempt of a build
//	@Tags		builds
//	@Produce	json
//	@Param		n	path		int	true	"Build number"
//	@Success	200	{object}	build.Info
//	@Failure	404	{string}	string
//	@Router		/build/tasks/{n} [get]
func (h *handler) GetBuildStatus(w http.ResponseWriter, r *http.Request) {
	n, ok := h.buildNumber(w, r)
	if !ok {
		return
	}
	info, err := h.service.Get(r.Context(), n)
	if errors.Is(err, coordinator.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.serveServerError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

type checkBuildResponse struct {
	BuildNumber int `json:"buildNumber"`
}

// CheckBuild godoc
//
//	@Summary	Check that the working state of a build still exists
//	@Tags		builds
//	@Produce	json
//	@Param		n	path		int	true	"Build number"
//	@Success	200	{object}	checkBuildResponse
//	@Failure	404	{string}	string
//	@Router		/build/{n} [get]
func (h *handler) CheckBuild(w http.ResponseWriter, r *http.Request) {
	n, ok := h.buildNumber(w, r)
	if !ok {
		return
	}
	exists, err := h.service.Exists(r.Context(), n)
	if err != nil {
		h.serveServerError(w, r, err)
		return
	}
	if !exists {
		http.Error(w, fmt.Sprintf("working state of build %d doesn't exist", n), http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, checkBuildResponse{BuildNumber: n})
}

// GetBuildLog godoc
//
//	@Summary	Stream the log of the latest attempt of a build
//	@Tags		builds
//	@Produce	plain
//	@Param		n	path		int	true	"Build number"
//	@Success	200	{string}	string
//	@Failure	404	{string}	string
//	@Router		/build/tasks/{n}/log [get]
func (h *handler) GetBuildLog(w http.ResponseWriter, r *http.Request) {
	n, ok := h.buildNumber(w, r)
	if !ok {
		return
	}
	blob, err := h.service.OpenLog(r.Context(), n)
	h.serveBlob(w, r, blob, err, "text/plain; charset=utf-8")
}

// GetBuildFile godoc
//
//	@Summary	Get a file published by the latest attempt of a build
//	@Tags		builds
//	@Produce	json,octet-stream
//	@Param		n		path		int		true	"Build number"
//	@Param		name	path		string	true	"File name relative to the working directory"
//	@Success	200		{file}		file
//	@Failure	404		{string}	string
//	@Router		/files/{n}/{name} [get]
func (h *handler) GetBuildFile(w http.ResponseWriter, r *http.Request) {
	n, ok := h.buildNumber(w, r)
	if !ok {
		return
	}
	name := r.PathValue("name")
	contentType := "application/octet-stream"
	if path.Ext(name) == ".json" {
		contentType = "application/json"
	}
	blob, err := h.service.OpenFile(r.Context(), n, name)
	h.serveBlob(w, r, blob, err, contentType)
}

// DownloadBuild godoc
//
//	@Summary	Download the device artifact of a build
//	@Tags		builds
//	@Produce	application/zip
//	@Param		n	path		int	true	"Build number"
//	@Success	200	{file}		file
//	@Failure	404	{string}	string
//	@Router		/build/{n}/download [get]
func (h *handler) DownloadBuild(w http.ResponseWriter, r *http.Request) {
	n, ok := h.buildNumber(w, r)
	if !ok {
		return
	}
	blob, err := h.service.OpenDownload(r.Context(), n)
	if err == nil {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%d.zip\"", n))
	}
	h.serveBlob(w, r, blob, err, "application/zip")
}

func (h *handler) buildNumber(w http.ResponseWriter, r *http.Request) (int, bool) {
	const pathValueN = "n"
	n, err := strconv.Atoi(r.PathValue(pathValueN))
	if err != nil || n <= 0 {
		http.Error(w, fmt.Sprintf("invalid %q request path value", pathValueN), http.StatusNotFound)
		return 0, false
	}
	return n, true
}

func (h *handler) serveBlob(w http.ResponseWriter, r *http.Request, blob *coordinator.Blob, err error, contentType string) {
	if errors.Is(err, coordinator.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		h.serveServerError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	w.WriteHeader(http.StatusOK)
	if err = h.service.Copy(r.Context(), blob, w); err != nil {
		h.logger.Error("didn't copy blob", "key", blob.Object.Key(), "error", err)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("didn't write response", "error", err)
	}
}

func (h *handler) serveServerError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("server error", "method", r.Method, "path", r.URL.Path, "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}
