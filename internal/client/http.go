package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
)

// maxErrorBody bounds how much of a provider body is copied into errors.
const maxErrorBody = 1024

// postJSON sends body as JSON and returns the response body of a 2xx reply.
// Failures come back classified: network errors, timeouts, 429 and 5xx are
// transient, any other status is permanent.
func postJSON(ctx context.Context, hc *http.Client, url string, headers map[string]string, body any) ([]byte, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Validation("payload", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, errs.Permanent(0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, errs.Transient(0, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Transient(resp.StatusCode, fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	statusErr := fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, errs.Truncate(string(respBody), maxErrorBody))
	if retryableStatus(resp.StatusCode) {
		return nil, errs.Transient(resp.StatusCode, statusErr)
	}
	return nil, errs.Permanent(resp.StatusCode, statusErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}
