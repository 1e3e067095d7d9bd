package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
)

const (
	defaultHistoryLimit = 50
	maxBodyBytes        = 64 << 10
)

var errRateLimited = errors.New("rate limit exceeded")

// Operator is the control surface the API exposes.
type Operator interface {
	Check(ctx context.Context) ([]model.UpdateDescriptor, error)
	Install(ctx context.Context, version string) error
	Rollback(ctx context.Context) error
	Resolve(ctx context.Context) error
	Status() model.State
	Pending() []model.UpdateDescriptor
	Changelog(version string) (string, error)
	History(limit int) ([]model.HistoryRecord, error)
	Configuration() model.Configuration
	UpdateConfiguration(cfg model.Configuration) error
}

// Accepted acknowledges a long-running operation.
type Accepted struct {
	Status    string `json:"status"`
	Operation string `json:"operation"`
	Version   string `json:"version,omitempty"`
}

// ErrorResponse is the body of every 4xx and 5xx answer.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Kind   string            `json:"kind,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// InstallRequest selects the version to install. Empty means the oldest pending.
type InstallRequest struct {
	Version string `json:"version,omitempty"`
}

// ChangelogResponse carries one version's changelog.
type ChangelogResponse struct {
	Version   string `json:"version"`
	Changelog string `json:"changelog"`
}

type handlers struct {
	op Operator
}

func (h *handlers) check(w http.ResponseWriter, r *http.Request) {
	pending, err := h.op.Check(r.Context())
	if err != nil {
		writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (h *handlers) install(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.op.Install(r.Context(), req.Version); err != nil {
		writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, Accepted{Status: "initiated", Operation: "install", Version: req.Version})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.op.Status())
}

func (h *handlers) pending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.op.Pending())
}

func (h *handlers) rollback(w http.ResponseWriter, r *http.Request) {
	if err := h.op.Rollback(r.Context()); err != nil {
		writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, Accepted{Status: "initiated", Operation: "rollback"})
}

func (h *handlers) resolve(w http.ResponseWriter, r *http.Request) {
	if err := h.op.Resolve(r.Context()); err != nil {
		writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.op.Status())
}

func (h *handlers) changelog(w http.ResponseWriter, r *http.Request) {
	version := mux.Vars(r)["version"]
	text, err := h.op.Changelog(version)
	if err != nil {
		writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChangelogResponse{Version: version, Changelog: text})
}

func (h *handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.op.Configuration())
}

// putConfig decodes the body over the current configuration, so omitted
// fields keep their value.
func (h *handlers) putConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.op.Configuration()
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.op.UpdateConfiguration(cfg); err != nil {
		writeOperatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.op.Configuration())
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	recs, err := h.op.History(limit)
	if err != nil {
		writeOperatorError(w, err)
		return
	}
	if recs == nil {
		recs = []model.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeOperatorError(w http.ResponseWriter, err error) {
	var (
		verr  *core.ConfigValidationError
		rbErr *core.RollbackError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: verr.Kind(), Fields: verr.Fields})
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.As(err, &rbErr),
		errors.Is(err, core.ErrBusy),
		errors.Is(err, core.ErrOperatorRequired),
		errors.Is(err, core.ErrNothingToResolve):
		writeError(w, http.StatusConflict, err)
	default:
		log.Error(err, "Operator request failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: core.KindOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}
