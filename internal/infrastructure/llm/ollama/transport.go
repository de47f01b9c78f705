package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/credit-pipeline/internal/infrastructure/resilience"
)

// StatusError is a non-2xx answer from the model server.
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("ollama %s: http %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("ollama %s: http %d: %s", e.Operation, e.StatusCode, body)
}

var classifyError = resilience.Transient(func(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return true
		}
		return statusErr.StatusCode >= 500 && statusErr.StatusCode != http.StatusNotImplemented
	}
	var netErr net.Error
	return errors.As(err, &netErr)
})

// postJSON sends payload and decodes a 2xx answer into T. Transient failures
// are retried by the client's executor when one is configured.
func postJSON[T any](ctx context.Context, c *Client, path string, payload any, operation string) (T, error) {
	var zero T
	body, err := json.Marshal(payload)
	if err != nil {
		return zero, fmt.Errorf("marshal %s request: %w", operation, err)
	}

	call := func(callCtx context.Context) (T, error) {
		var out T
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return out, fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return out, fmt.Errorf("ollama %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return out, &StatusError{Operation: operation, StatusCode: resp.StatusCode, Body: string(snippet)}
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return out, fmt.Errorf("decode %s response: %w", operation, err)
		}
		return out, nil
	}

	var out T
	if c.executor == nil {
		out, err = call(ctx)
	} else {
		out, err = resilience.Call(ctx, c.executor, "ollama."+operation, call, classifyError)
	}
	if err != nil {
		return zero, resilience.MarkTemporary("ollama "+operation, err, classifyError)
	}
	return out, nil
}
