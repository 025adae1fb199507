package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Z-API send endpoints, appended to the instance URL.
const (
	EndpointText       = "/send-text"
	EndpointImage      = "/send-image"
	EndpointDocument   = "/send-document"
	EndpointAudio      = "/send-audio"
	EndpointVideo      = "/send-video"
	EndpointButtonList = "/send-button-list"
	EndpointList       = "/send-list"
)

type ZAPIConfig struct {
	BaseURL     string
	Instance    string
	Token       string
	ClientToken string
	Timeout     time.Duration
}

type ZAPIClient struct {
	instanceURL string
	clientToken string
	client      *http.Client
}

func NewZAPIClient(cfg ZAPIConfig) *ZAPIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &ZAPIClient{
		instanceURL: base + "/instances/" + cfg.Instance + "/token/" + cfg.Token,
		clientToken: cfg.ClientToken,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// SendResponse is the gateway reply to a send call. Z-API returns the
// provider id as messageId; id is kept as a fallback.
type SendResponse struct {
	ZaapID    string `json:"zaapId"`
	MessageID string `json:"messageId"`
	ID        string `json:"id"`
}

func (r SendResponse) ProviderID() string {
	if r.MessageID != "" {
		return r.MessageID
	}
	return r.ID
}

// Post sends body to endpoint. A 2xx reply without a JSON body is a success
// with an empty SendResponse.
func (c *ZAPIClient) Post(ctx context.Context, endpoint, correlationID string, body any) (SendResponse, error) {
	raw, err := postJSON(ctx, c.client, c.instanceURL+endpoint, map[string]string{
		"Client-Token":     c.clientToken,
		"X-Correlation-ID": correlationID,
	}, body)
	if err != nil {
		return SendResponse{}, err
	}

	var sr SendResponse
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &sr)
	}
	return sr, nil
}
