package client

import (
	"context"
	"net/http"
	"time"
)

// EngineRequest is the conversation engine contract: either start the flow of
// a new conversation or forward the customer's message to an active session.
type EngineRequest struct {
	ConversaID      string `json:"conversaId"`
	MensagemCliente string `json:"mensagemCliente,omitempty"`
	IniciarFluxo    bool   `json:"iniciarFluxo,omitempty"`
}

type EngineClient struct {
	url    string
	token  string
	client *http.Client
}

func NewEngineClient(url, token string, timeout time.Duration) *EngineClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &EngineClient{
		url:   url,
		token: token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *EngineClient) Invoke(ctx context.Context, correlationID string, req EngineRequest) error {
	headers := map[string]string{"X-Correlation-ID": correlationID}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	_, err := postJSON(ctx, c.client, c.url, headers, req)
	return err
}
