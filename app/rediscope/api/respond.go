package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/flonle/rediscope/app/rediscope/errs"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// Status maps an error from the core to an HTTP status.
func Status(err error) int {
	switch {
	case errors.Is(err, errs.ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errs.IsReply(err):
		// the store refused the command, e.g. WRONGTYPE
		return http.StatusConflict
	case errors.Is(err, errs.ErrStoreUnavailable), errors.Is(err, errs.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := Status(err)
	body := errorBody{Error: err.Error()}

	span := trace.SpanFromContext(r.Context())
	if sc := span.SpanContext(); sc.HasTraceID() {
		body.TraceID = sc.TraceID().String()
	}
	if status >= http.StatusInternalServerError {
		span.RecordError(err)
		h.log.Error("request failed", "route", r.Pattern, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return errs.Malformed("invalid request body: %v", err)
	}
	return nil
}

// textOf returns a JSON string's content, or the compact JSON text of any
// other value, which is how structured values are stored.
func textOf(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", errs.Malformed("invalid string value: %v", err)
		}
		return s, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", errs.Malformed("invalid value: %v", err)
	}
	return buf.String(), nil
}

// spa serves files under dir, falling back to index.html for paths that do
// not name a file so client-side routes resolve.
func spa(dir string) http.Handler {
	files := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := filepath.Join(dir, filepath.FromSlash(filepath.Clean("/"+r.URL.Path)))
		if info, err := os.Stat(name); err != nil || info.IsDir() {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				http.ServeFile(w, r, filepath.Join(dir, "index.html"))
				return
			}
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}
