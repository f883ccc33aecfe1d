package offlinecache

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

const maxProxyRequestBytes = 1 << 20

// Handler serves app-origin requests through the worker.
type Handler struct {
	worker *Worker
}

func NewHandler(worker *Worker) *Handler {
	return &Handler{worker: worker}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := Request{
		Method:   r.Method,
		URL:      r.URL.RequestURI(),
		Header:   r.Header.Clone(),
		Document: IsDocumentRequest(r),
	}
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyRequestBytes))
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeProxyError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
				return
			}
			writeProxyError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
			return
		}
		req.Body = body
	}
	resp, err := h.worker.Fetch(r.Context(), req)
	if err != nil {
		writeProxyError(w, http.StatusBadGateway, "network_error", err.Error())
		return
	}
	if r.Method == http.MethodHead {
		copied := *resp
		copied.Body = nil
		copied.Write(w)
		return
	}
	resp.Write(w)
}

// IsDocumentRequest reports whether r is a top-level navigation.
func IsDocumentRequest(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeProxyError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}
