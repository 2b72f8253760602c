package voice

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/discord-voice-lab/voicesession/internal/resilience"
	"github.com/discord-voice-lab/voicesession/internal/session"
)

const maxErrorBody = 512

type response struct {
	body    []byte
	header  http.Header
	latency time.Duration
}

// post sends one request. Non-2xx replies come back as
// *resilience.StatusError so the caller's retry policy can classify them;
// post itself never retries.
func post(ctx context.Context, client *http.Client, service, url, contentType string, body []byte, authToken string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return response{}, fmt.Errorf("%s: %w: %v", service, resilience.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", contentType)
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	cid := session.CorrelationID(ctx)
	if cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}
	if client == nil {
		client = http.DefaultClient
	}

	sent := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("%s: %w", service, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return response{}, &resilience.StatusError{Service: service, Status: resp.StatusCode, Body: string(bytes.TrimSpace(excerpt))}
	}
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("%s: read body: %w", service, err)
	}
	return response{body: out, header: resp.Header, latency: time.Since(sent)}, nil
}
