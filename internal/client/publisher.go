package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/LeventeLantos/post-scheduler/internal/apperr"
)

const maxResponseBody = 64 << 10

// HTTPPublisher posts content to the platform's create-post endpoint with a
// bearer token.
type HTTPPublisher struct {
	url       string
	healthURL string
	token     string
	client    *http.Client
}

func NewHTTPPublisher(url, healthURL, token string, timeout time.Duration) *HTTPPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPublisher{
		url:       url,
		healthURL: healthURL,
		token:     token,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type publishRequest struct {
	Text string `json:"text"`
}

type publishResponse struct {
	Data struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"data"`
}

// Publish returns the remote post id. Failures are *apperr.PublishError:
// transport errors, 429 and 5xx are transient, other statuses permanent.
func (c *HTTPPublisher) Publish(ctx context.Context, content string) (string, error) {
	reqBody, err := json.Marshal(publishRequest{Text: content})
	if err != nil {
		return "", apperr.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", apperr.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperr.Transient(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return "", &apperr.PublishError{
			Transient:  true,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body)),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", &apperr.PublishError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body)),
		}
	}

	var pr publishResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return "", apperr.Permanent(fmt.Errorf("failed to decode json: %w body=%q", err, string(body)))
	}
	if pr.Data.ID == "" {
		return "", apperr.Permanent(fmt.Errorf("missing data.id in response body=%q", string(body)))
	}

	return pr.Data.ID, nil
}

// Ping reports whether the platform answers at all. Only transport errors
// and 5xx count as unreachable.
func (c *HTTPPublisher) Ping(ctx context.Context) error {
	target, method := c.healthURL, http.MethodGet
	if target == "" {
		target, method = c.url, http.MethodHead
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("platform unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
