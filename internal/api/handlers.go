package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-queue/internal/dispatcher"
	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
	"github.com/LeventeLantos/whatsapp-queue/internal/repo"
	"github.com/LeventeLantos/whatsapp-queue/internal/service"
)

const (
	CorrelationHeader = "X-Correlation-ID"

	maxBodyBytes = 1 << 20
)

// Runner is the dispatcher control surface exposed over HTTP.
type Runner interface {
	Start() bool
	Stop() bool
	IsRunning() bool
	Stats() dispatcher.Stats
}

type Handler struct {
	enq     *service.Enqueuer
	webhook *service.WebhookReceiver
	monitor *service.Monitor
	runner  Runner
	log     zerolog.Logger
}

func NewHandler(enq *service.Enqueuer, wh *service.WebhookReceiver, mon *service.Monitor, runner Runner, log zerolog.Logger) *Handler {
	return &Handler{
		enq:     enq,
		webhook: wh,
		monitor: mon,
		runner:  runner,
		log:     log.With().Str("component", "api").Logger(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) DispatcherStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.runner.Stats())
}

func (h *Handler) DispatcherStart(w http.ResponseWriter, r *http.Request) {
	h.runner.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.runner.IsRunning()})
}

func (h *Handler) DispatcherStop(w http.ResponseWriter, r *http.Request) {
	h.runner.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.runner.IsRunning()})
}

type enqueueRequest struct {
	MessageType   model.MessageType `json:"messageType"`
	Payload       json.RawMessage   `json:"payload"`
	Priority      *int              `json:"priority,omitempty"`
	CorrelationID string            `json:"correlationId,omitempty"`
	DedupKey      string            `json:"dedupKey,omitempty"`
	MaxRetries    *int              `json:"maxRetries,omitempty"`
	DelaySeconds  int               `json:"delaySeconds,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, errs.Validation("body", "is not valid JSON"))
		return
	}
	if req.MessageType == model.TypeInbound {
		writeError(w, errs.Validation("messageType", "inbound rows are created by the webhook"))
		return
	}

	p, err := model.DecodePayload(req.MessageType, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	corr := req.CorrelationID
	if corr == "" {
		corr = r.Header.Get(CorrelationHeader)
	}
	opts := []service.EnqueueOption{
		service.WithCorrelationID(corr),
		service.WithDedupKey(req.DedupKey),
		service.WithMetadata(req.Metadata),
	}
	if req.Priority != nil {
		opts = append(opts, service.WithPriority(*req.Priority))
	}
	if req.MaxRetries != nil {
		opts = append(opts, service.WithMaxRetries(*req.MaxRetries))
	}
	if req.DelaySeconds > 0 {
		opts = append(opts, service.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
	}

	id, err := h.enq.Enqueue(r.Context(), p, opts...)
	if errors.Is(err, repo.ErrDuplicate) {
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "duplicate": true})
		return
	}
	if err != nil {
		h.log.Warn().Err(err).Str("message_type", string(req.MessageType)).Msg("enqueue rejected")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, errs.Validation("status", "is not a known status"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.monitor.ListMessages(r.Context(), status, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := h.monitor.GetMessage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) CancelMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.enq.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.Dead})
}

func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "body could not be read"})
		return
	}

	ack, err := h.webhook.Receive(r.Context(), raw)
	switch {
	case errs.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "temporarily unavailable"})
	default:
		writeJSON(w, http.StatusOK, ack)
	}
}

func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.monitor.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) QueueSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.monitor.Summary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.monitor.ListFailed(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) ReplayFailed(w http.ResponseWriter, r *http.Request) {
	failedID := r.PathValue("id")
	id, err := h.enq.Replay(r.Context(), failedID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "replayOf": failedID})
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, repo.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repo.ErrNotCancellable):
		status = http.StatusConflict
	case errs.IsStoreError(err):
		status = http.StatusServiceUnavailable
	}

	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = strings.ToLower(http.StatusText(status))
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
