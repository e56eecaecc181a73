package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/innkeep/eagle-eye/internal/archive"
	"github.com/innkeep/eagle-eye/internal/kv"
	"github.com/innkeep/eagle-eye/internal/ledger"
	"github.com/innkeep/eagle-eye/internal/scheduler"
	"github.com/innkeep/eagle-eye/internal/slot"
	"github.com/innkeep/eagle-eye/internal/task"
)

// SlotController is the scheduler surface the API drives.
type SlotController interface {
	TriggerSlot(ctx context.Context, date string, number int, at time.Time) (*slot.Slot, error)
	Cancel(ctx context.Context, slotID string) (*slot.Slot, error)
}

// HandlersConfig wires the handlers to the running components. Archive
// fields stay nil when archiving is disabled.
type HandlersConfig struct {
	KV           kv.Store
	Ledger       *ledger.Store
	Slots        *slot.Registry
	Control      SlotController
	Queue        *task.Queue
	Hub          *Hub
	Archive      archive.Repo
	ArchiveState func() string
}

// Handlers serves all API endpoints.
type Handlers struct {
	kv           kv.Store
	store        *ledger.Store
	slots        *slot.Registry
	control      SlotController
	queue        *task.Queue
	hub          *Hub
	archive      archive.Repo
	archiveState func() string
}

// NewHandlers creates the handler set.
func NewHandlers(cfg HandlersConfig) *Handlers {
	return &Handlers{
		kv:           cfg.KV,
		store:        cfg.Ledger,
		slots:        cfg.Slots,
		control:      cfg.Control,
		queue:        cfg.Queue,
		hub:          cfg.Hub,
		archive:      cfg.Archive,
		archiveState: cfg.ArchiveState,
	}
}

// writeJSON writes a JSON response body.
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

// writeError writes the standardized error body.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	if status >= http.StatusInternalServerError {
		log.Error().
			Str("request_id", requestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Str("code", code).
			Msg(message)
	}

	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestIDFromContext(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := "healthy"
	components := make(map[string]string)

	if err := h.kv.Ping(ctx); err != nil {
		components["kv"] = "unreachable"
		status = "unhealthy"
	} else {
		components["kv"] = "ok"
	}

	if h.archiveState != nil {
		breakerState := h.archiveState()
		components["archive"] = breakerState
		if breakerState != "closed" && status == "healthy" {
			status = "degraded"
		}
	} else {
		components["archive"] = "disabled"
	}

	resp := HealthResponse{
		Status:          status,
		Timestamp:       time.Now().UTC(),
		QueueDepth:      h.queue.Len(),
		FeedSubscribers: h.hub.ClientCount(),
		Components:      components,
	}
	if seq, err := h.store.CurrentSequence(ctx); err == nil {
		resp.CurrentSequence = seq
	}
	if tip, err := h.store.ChainTip(ctx); err == nil {
		resp.ChainTip = tip
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

// EntryByID handles GET /entries/{id}.
func (h *Handlers) EntryByID(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	entry, err := h.store.GetEntry(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, "entry_not_found",
			"No ledger entry with id "+id)
		return
	}
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "ledger_read_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, entry)
}

// EntriesByDate handles GET /entries?date=YYYY-MM-DD.
func (h *Handlers) EntriesByDate(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if !validDate(date) {
		h.writeError(w, r, http.StatusBadRequest, "invalid_date",
			"Query parameter date must be YYYY-MM-DD")
		return
	}

	entries, err := h.store.EntriesByDate(r.Context(), date)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "ledger_read_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, EntriesResponse{
		Date:    date,
		Count:   len(entries),
		Entries: entries,
	})
}

// EntriesBySlot handles GET /slots/{slotID}/entries.
func (h *Handlers) EntriesBySlot(w http.ResponseWriter, r *http.Request) {
	slotID := mux.Vars(r)["slotID"]
	if _, _, err := slot.ParseID(slotID); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_slot_id",
			"Slot id must look like YYYY-MM-DD-N")
		return
	}

	entries, err := h.store.EntriesBySlot(r.Context(), slotID)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "ledger_read_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, EntriesResponse{
		SlotID:  slotID,
		Count:   len(entries),
		Entries: entries,
	})
}

// SlotsByDate handles GET /slots?date=YYYY-MM-DD.
func (h *Handlers) SlotsByDate(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if !validDate(date) {
		h.writeError(w, r, http.StatusBadRequest, "invalid_date",
			"Query parameter date must be YYYY-MM-DD")
		return
	}

	slots, err := h.slots.ByDate(r.Context(), date)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "slot_read_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, SlotsResponse{
		Date:  date,
		Count: len(slots),
		Slots: slots,
	})
}

// TriggerSlot handles POST /slots/{number}/trigger. An optional date query
// parameter targets a specific day; it defaults to today in the
// scheduler's timezone.
func (h *Handlers) TriggerSlot(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(mux.Vars(r)["number"])
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_slot_number",
			"Slot number must be an integer")
		return
	}

	date := r.URL.Query().Get("date")
	if date != "" && !validDate(date) {
		h.writeError(w, r, http.StatusBadRequest, "invalid_date",
			"Query parameter date must be YYYY-MM-DD")
		return
	}

	sl, err := h.control.TriggerSlot(r.Context(), date, number, time.Now().UTC())
	switch {
	case errors.Is(err, scheduler.ErrUnknownSlot):
		h.writeError(w, r, http.StatusNotFound, "unknown_slot_number",
			"Slot number is not part of the active profile")
	case errors.Is(err, scheduler.ErrSlotNotPending):
		h.writeError(w, r, http.StatusConflict, "slot_not_pending", err.Error())
	case errors.Is(err, task.ErrQueueFull):
		h.writeError(w, r, http.StatusServiceUnavailable, "queue_full",
			"Task queue is full, retry shortly")
	case err != nil:
		h.writeError(w, r, http.StatusInternalServerError, "trigger_failed", err.Error())
	default:
		h.writeJSON(w, http.StatusAccepted, sl)
	}
}

// CancelSlot handles POST /slots/{slotID}/cancel.
func (h *Handlers) CancelSlot(w http.ResponseWriter, r *http.Request) {
	slotID := mux.Vars(r)["slotID"]
	if _, _, err := slot.ParseID(slotID); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_slot_id",
			"Slot id must look like YYYY-MM-DD-N")
		return
	}

	sl, err := h.control.Cancel(r.Context(), slotID)
	var terr *slot.TransitionError
	switch {
	case errors.Is(err, slot.ErrNotFound):
		h.writeError(w, r, http.StatusNotFound, "slot_not_found",
			"No slot with id "+slotID)
	case errors.As(err, &terr):
		h.writeError(w, r, http.StatusConflict, "cancel_refused", terr.Error())
	case err != nil:
		h.writeError(w, r, http.StatusInternalServerError, "cancel_failed", err.Error())
	default:
		h.writeJSON(w, http.StatusOK, sl)
	}
}

// Verify handles POST /verify by running a full integrity verification.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.VerifyIntegrity(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "verification_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// LatestReport handles GET /verify/latest.
func (h *Handlers) LatestReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.LatestReport(r.Context())
	if errors.Is(err, ledger.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, "no_report",
			"No verification has run yet")
		return
	}
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "report_read_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// Stats handles GET /stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Statistics(r.Context())
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}

	resp := StatsResponse{Ledger: stats}
	if h.archive != nil {
		counts, err := h.archive.CountByTaskType(r.Context())
		if err != nil {
			log.Warn().Err(err).Msg("archive counts unavailable")
		} else {
			resp.Archive = counts
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

func validDate(date string) bool {
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}
