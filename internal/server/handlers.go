package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/Napageneral/nudge/internal/bus"
	"github.com/Napageneral/nudge/internal/store"
)

type Handler struct {
	Store  *store.Store
	Logger *zap.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// Threads lists message threads. Query: offset (default 0), limit (default 50).
func (h *Handler) Threads(w http.ResponseWriter, r *http.Request) {
	offset, ok := intParam(w, r, "offset", 0)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", 50)
	if !ok {
		return
	}
	threads, err := h.Store.ListThreads(r.Context(), offset, limit)
	if err != nil {
		h.internalError(w, "list threads", err)
		return
	}
	if threads == nil {
		threads = []store.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

// History returns every message and call for ?address=, oldest first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "address is required"})
		return
	}
	entries, err := h.Store.ContactHistory(r.Context(), address)
	if err != nil {
		h.internalError(w, "contact history", err)
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Summaries lists contact summaries; ?needs_reply=true keeps flagged ones.
func (h *Handler) Summaries(w http.ResponseWriter, r *http.Request) {
	needsReply := false
	if v := r.URL.Query().Get("needs_reply"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "needs_reply must be a boolean"})
			return
		}
		needsReply = b
	}
	summaries, err := h.Store.ListSummaries(r.Context(), needsReply)
	if err != nil {
		h.internalError(w, "list summaries", err)
		return
	}
	if summaries == nil {
		summaries = []store.ContactSummary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

// Events pages through the pipeline event feed. Query: after (sequence
// number, default 0), limit (default 100).
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	after, ok := intParam(w, r, "after", 0)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", 100)
	if !ok {
		return
	}
	events, err := bus.List(r.Context(), h.Store.DB(), int64(after), limit)
	if err != nil {
		h.internalError(w, "list events", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	if h.Logger != nil {
		h.Logger.Error("request failed", zap.String("op", op), zap.Error(err))
	}
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: name + " must be a non-negative integer"})
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
