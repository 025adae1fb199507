package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/dispatcher/status", h.DispatcherStatus)
	mux.HandleFunc("POST /v1/dispatcher/start", h.DispatcherStart)
	mux.HandleFunc("POST /v1/dispatcher/stop", h.DispatcherStop)

	mux.HandleFunc("POST /v1/messages", h.EnqueueMessage)
	mux.HandleFunc("GET /v1/messages", h.ListMessages)
	mux.HandleFunc("GET /v1/messages/{id}", h.GetMessage)
	mux.HandleFunc("POST /v1/messages/{id}/cancel", h.CancelMessage)

	mux.HandleFunc("GET /v1/queue/status", h.QueueStatus)
	mux.HandleFunc("GET /v1/queue/summary", h.QueueSummary)

	mux.HandleFunc("GET /v1/failed-messages", h.ListFailed)
	mux.HandleFunc("POST /v1/failed-messages/{id}/replay", h.ReplayFailed)

	mux.HandleFunc("POST /webhook", h.Webhook)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("whatsapp-queue"))
	})

	return mux
}
