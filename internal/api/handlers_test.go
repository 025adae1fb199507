package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-queue/internal/dispatcher"
	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
	"github.com/LeventeLantos/whatsapp-queue/internal/repo"
	"github.com/LeventeLantos/whatsapp-queue/internal/service"
)

type okSender struct{}

func (okSender) Send(context.Context, string, model.Payload) (service.SendResult, error) {
	return service.SendResult{ProviderMessageID: "zaap"}, nil
}

// outageRepo fails every write and aggregate read like an unreachable store.
type outageRepo struct {
	*repo.MemoryQueueRepo
}

func (outageRepo) Insert(context.Context, *model.QueueMessage) error {
	return errs.Store("insert", errors.New("db down"))
}

func (outageRepo) Stats(context.Context, time.Time) ([]model.StatusStat, error) {
	return nil, errs.Store("stats", errors.New("db down"))
}

func newTestServer(t *testing.T, r repo.QueueRepository) (*dispatcher.Dispatcher, http.Handler) {
	t.Helper()

	d, err := dispatcher.New(dispatcher.Config{Workers: 1}, dispatcher.Deps{Repo: r, Sender: okSender{}})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	enq := service.NewEnqueuer(r, service.EnqueuerConfig{InboundPriority: 1, MaxRetries: 5}, zerolog.Nop())
	wh := service.NewWebhookReceiver(enq, nil, 1, zerolog.Nop())
	h := NewHandler(enq, wh, service.NewMonitor(r), d, zerolog.Nop())
	return d, Router(h)
}

func do(t *testing.T, mux http.Handler, method, target, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("failed to decode json: %v body=%q", err, rr.Body.String())
	}
	return m
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d body=%q", want, rr.Code, rr.Body.String())
	}
}

const textBody = `{"messageType":"text","payload":{"phone":"+55 11 99999-8888","message":"hello"}}`

func TestHealth(t *testing.T) {
	_, mux := newTestServer(t, repo.NewMemoryQueueRepo())

	rr := do(t, mux, http.MethodGet, "/v1/health", "")
	expectStatus(t, rr, http.StatusOK)
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("expected Content-Type application/json, got %q", ct)
	}
	if v, ok := decodeJSON(t, rr)["ok"].(bool); !ok || !v {
		t.Fatalf("expected {ok:true}, got %s", rr.Body.String())
	}
}

func TestRoot(t *testing.T) {
	_, mux := newTestServer(t, repo.NewMemoryQueueRepo())

	rr := do(t, mux, http.MethodGet, "/", "")
	expectStatus(t, rr, http.StatusOK)
	if rr.Body.String() != "whatsapp-queue" {
		t.Fatalf("unexpected root body %q", rr.Body.String())
	}
	expectStatus(t, do(t, mux, http.MethodGet, "/nope", ""), http.StatusNotFound)
}

func TestDispatcherEndpoints(t *testing.T) {
	d, mux := newTestServer(t, repo.NewMemoryQueueRepo())
	defer d.Stop()

	rr := do(t, mux, http.MethodGet, "/v1/dispatcher/status", "")
	expectStatus(t, rr, http.StatusOK)
	body := decodeJSON(t, rr)
	if running, ok := body["running"].(bool); !ok || running {
		t.Fatalf("expected running=false, got %v", body)
	}
	if workers, _ := body["workers"].(float64); workers != 1 {
		t.Fatalf("expected workers=1, got %v", body["workers"])
	}

	rr = do(t, mux, http.MethodPost, "/v1/dispatcher/start", "")
	expectStatus(t, rr, http.StatusOK)
	if running, ok := decodeJSON(t, rr)["running"].(bool); !ok || !running {
		t.Fatalf("expected running=true after start, got %s", rr.Body.String())
	}

	rr = do(t, mux, http.MethodPost, "/v1/dispatcher/stop", "")
	expectStatus(t, rr, http.StatusOK)
	if running, ok := decodeJSON(t, rr)["running"].(bool); !ok || running {
		t.Fatalf("expected running=false after stop, got %s", rr.Body.String())
	}
}

func TestEnqueueMessage_Accepted(t *testing.T) {
	r := repo.NewMemoryQueueRepo()
	_, mux := newTestServer(t, r)

	rr := do(t, mux, http.MethodPost, "/v1/messages", textBody, CorrelationHeader, "turn-42")
	expectStatus(t, rr, http.StatusAccepted)

	id, _ := decodeJSON(t, rr)["id"].(string)
	m, err := r.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("expected row %q to exist: %v", id, err)
	}
	if m.Status != model.Pending || m.Type != model.TypeText || m.CorrelationID != "turn-42" {
		t.Fatalf("unexpected row: %+v", m)
	}
}

func TestEnqueueMessage_BodyCorrelationWins(t *testing.T) {
	r := repo.NewMemoryQueueRepo()
	_, mux := newTestServer(t, r)

	body := `{"messageType":"text","correlationId":"from-body","priority":2,"payload":{"phone":"5511999998888","message":"hi"}}`
	rr := do(t, mux, http.MethodPost, "/v1/messages", body, CorrelationHeader, "from-header")
	expectStatus(t, rr, http.StatusAccepted)

	id, _ := decodeJSON(t, rr)["id"].(string)
	m, _ := r.Get(context.Background(), id)
	if m.CorrelationID != "from-body" || m.Priority != 2 {
		t.Fatalf("unexpected row: correlation=%q priority=%d", m.CorrelationID, m.Priority)
	}
}

func TestEnqueueMessage_Rejected(t *testing.T) {
	cases := map[string]string{
		"bad json":       `{"messageType":`,
		"unknown type":   `{"messageType":"sticker","payload":{}}`,
		"inbound type":   `{"messageType":"inbound","payload":{"providerMessageId":"x","from":"5511999998888"}}`,
		"invalid phone":  `{"messageType":"text","payload":{"phone":"0","message":"hi"}}`,
		"missing fields": `{"messageType":"image","payload":{"phone":"5511999998888"}}`,
		"no payload":     `{"messageType":"text"}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			r := repo.NewMemoryQueueRepo()
			_, mux := newTestServer(t, r)

			rr := do(t, mux, http.MethodPost, "/v1/messages", body)
			expectStatus(t, rr, http.StatusBadRequest)
			if _, ok := decodeJSON(t, rr)["error"].(string); !ok {
				t.Fatalf("expected error message, got %s", rr.Body.String())
			}
			if items, _ := r.List(context.Background(), repo.ListFilter{}); len(items) != 0 {
				t.Fatalf("expected nothing written, got %d rows", len(items))
			}
		})
	}
}

func TestEnqueueMessage_DedupKey(t *testing.T) {
	_, mux := newTestServer(t, repo.NewMemoryQueueRepo())
	body := `{"messageType":"text","dedupKey":"order-7","payload":{"phone":"5511999998888","message":"hi"}}`

	first := do(t, mux, http.MethodPost, "/v1/messages", body)
	expectStatus(t, first, http.StatusAccepted)
	second := do(t, mux, http.MethodPost, "/v1/messages", body)
	expectStatus(t, second, http.StatusOK)

	b := decodeJSON(t, second)
	if dup, _ := b["duplicate"].(bool); !dup || b["id"] != decodeJSON(t, first)["id"] {
		t.Fatalf("expected duplicate with the same id, got %v", b)
	}
}

func TestEnqueueMessage_StoreOutageReturns503(t *testing.T) {
	_, mux := newTestServer(t, outageRepo{repo.NewMemoryQueueRepo()})

	rr := do(t, mux, http.MethodPost, "/v1/messages", textBody)
	expectStatus(t, rr, http.StatusServiceUnavailable)
	if strings.Contains(rr.Body.String(), "db down") {
		t.Fatalf("expected store details to stay internal, got %s", rr.Body.String())
	}
}

func TestListAndGetMessages(t *testing.T) {
	r := repo.NewMemoryQueueRepo()
	_, mux := newTestServer(t, r)

	created := decodeJSON(t, do(t, mux, http.MethodPost, "/v1/messages", textBody))
	id := created["id"].(string)
	do(t, mux, http.MethodPost, "/v1/messages", textBody)

	rr := do(t, mux, http.MethodGet, "/v1/messages?status=pending&limit=1", "")
	expectStatus(t, rr, http.StatusOK)
	if items, _ := decodeJSON(t, rr)["items"].([]any); len(items) != 1 {
		t.Fatalf("expected 1 item with limit=1, got %d", len(items))
	}

	rr = do(t, mux, http.MethodGet, "/v1/messages?status=done", "")
	expectStatus(t, rr, http.StatusOK)
	if items, ok := decodeJSON(t, rr)["items"].([]any); !ok || len(items) != 0 {
		t.Fatalf("expected empty items array, got %s", rr.Body.String())
	}

	expectStatus(t, do(t, mux, http.MethodGet, "/v1/messages?status=bogus", ""), http.StatusBadRequest)

	rr = do(t, mux, http.MethodGet, "/v1/messages/"+id, "")
	expectStatus(t, rr, http.StatusOK)
	if got := decodeJSON(t, rr); got["id"] != id || got["status"] != "pending" {
		t.Fatalf("unexpected message: %v", got)
	}

	expectStatus(t, do(t, mux, http.MethodGet, "/v1/messages/missing", ""), http.StatusNotFound)
}

func TestCancelMessage(t *testing.T) {
	_, mux := newTestServer(t, repo.NewMemoryQueueRepo())
	id := decodeJSON(t, do(t, mux, http.MethodPost, "/v1/messages", textBody))["id"].(string)

	rr := do(t, mux, http.MethodPost, "/v1/messages/"+id+"/cancel", "")
	expectStatus(t, rr, http.StatusOK)
	if got := decodeJSON(t, rr); got["status"] != "dead" {
		t.Fatalf("expected dead status, got %v", got)
	}

	expectStatus(t, do(t, mux, http.MethodPost, "/v1/messages/"+id+"/cancel", ""), http.StatusConflict)
	expectStatus(t, do(t, mux, http.MethodPost, "/v1/messages/missing/cancel", ""), http.StatusNotFound)
}

func TestFailedMessagesListAndReplay(t *testing.T) {
	r := repo.NewMemoryQueueRepo()
	_, mux := newTestServer(t, r)
	id := decodeJSON(t, do(t, mux, http.MethodPost, "/v1/messages", textBody))["id"].(string)
	do(t, mux, http.MethodPost, "/v1/messages/"+id+"/cancel", "")

	rr := do(t, mux, http.MethodGet, "/v1/failed-messages", "")
	expectStatus(t, rr, http.StatusOK)
	items, _ := decodeJSON(t, rr)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected 1 failed message, got %d", len(items))
	}
	failed := items[0].(map[string]any)
	if failed["originalMessageId"] != id || failed["errorMessage"] != "cancelled" {
		t.Fatalf("unexpected failed record: %v", failed)
	}

	rr = do(t, mux, http.MethodPost, "/v1/failed-messages/"+failed["id"].(string)+"/replay", "")
	expectStatus(t, rr, http.StatusAccepted)
	newID, _ := decodeJSON(t, rr)["id"].(string)

	m, err := r.Get(context.Background(), newID)
	if err != nil {
		t.Fatalf("expected replayed row: %v", err)
	}
	if m.Status != model.Pending || m.OriginID != id {
		t.Fatalf("unexpected replayed row: status=%s origin=%s", m.Status, m.OriginID)
	}

	expectStatus(t, do(t, mux, http.MethodPost, "/v1/failed-messages/missing/replay", ""), http.StatusNotFound)
}

func TestQueueStatusAndSummary(t *testing.T) {
	_, mux := newTestServer(t, repo.NewMemoryQueueRepo())
	do(t, mux, http.MethodPost, "/v1/messages", textBody)
	do(t, mux, http.MethodPost, "/v1/messages", textBody)

	rr := do(t, mux, http.MethodGet, "/v1/queue/status", "")
	expectStatus(t, rr, http.StatusOK)
	var stats []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
		t.Fatalf("expected a json array: %v body=%q", err, rr.Body.String())
	}
	if len(stats) != 1 || stats[0]["status"] != "pending" || stats[0]["count"] != float64(2) {
		t.Fatalf("unexpected stats: %v", stats)
	}

	rr = do(t, mux, http.MethodGet, "/v1/queue/summary", "")
	expectStatus(t, rr, http.StatusOK)
	if sum := decodeJSON(t, rr); sum["totalPending"] != float64(2) {
		t.Fatalf("unexpected summary: %v", sum)
	}
}

func TestQueueStatus_StoreOutage(t *testing.T) {
	_, mux := newTestServer(t, outageRepo{repo.NewMemoryQueueRepo()})
	expectStatus(t, do(t, mux, http.MethodGet, "/v1/queue/status", ""), http.StatusServiceUnavailable)
}

const webhookBody = `{"event":"message-received","instanceId":"inst-1","data":{"messageId":"wamid-1","from":"5511999998888@c.us","text":{"message":"oi"},"fromMe":false,"senderName":"Ana"}}`

func TestWebhook(t *testing.T) {
	r := repo.NewMemoryQueueRepo()
	_, mux := newTestServer(t, r)

	rr := do(t, mux, http.MethodPost, "/webhook", webhookBody)
	expectStatus(t, rr, http.StatusOK)
	if got := decodeJSON(t, rr); got["success"] != true || got["status"] != service.AckAccepted {
		t.Fatalf("unexpected ack: %v", got)
	}

	rr = do(t, mux, http.MethodPost, "/webhook", webhookBody)
	expectStatus(t, rr, http.StatusOK)
	if got := decodeJSON(t, rr); got["status"] != service.AckDuplicate {
		t.Fatalf("expected duplicate ack, got %v", got)
	}

	items, _ := r.List(context.Background(), repo.ListFilter{})
	if len(items) != 1 || items[0].Type != model.TypeInbound {
		t.Fatalf("expected one inbound row, got %+v", items)
	}
}

func TestWebhook_MalformedReturns400(t *testing.T) {
	_, mux := newTestServer(t, repo.NewMemoryQueueRepo())

	for _, body := range []string{`not json`, `{"event":"message-received","data":{"from":"5511999998888"}}`} {
		rr := do(t, mux, http.MethodPost, "/webhook", body)
		expectStatus(t, rr, http.StatusBadRequest)
		if got := decodeJSON(t, rr); got["success"] != false || got["error"] == "" {
			t.Fatalf("unexpected error body: %v", got)
		}
	}
}

func TestWebhook_StoreOutageReturns503(t *testing.T) {
	_, mux := newTestServer(t, outageRepo{repo.NewMemoryQueueRepo()})

	rr := do(t, mux, http.MethodPost, "/webhook", webhookBody)
	expectStatus(t, rr, http.StatusServiceUnavailable)
	if got := decodeJSON(t, rr); got["success"] != false {
		t.Fatalf("unexpected body: %v", got)
	}
}

func TestParseInt(t *testing.T) {
	if parseInt("", 7) != 7 || parseInt("abc", 7) != 7 || parseInt("12", 7) != 12 {
		t.Fatalf("unexpected parseInt results")
	}
}
