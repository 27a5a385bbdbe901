package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
)

// DefaultServerURL is where the client commands look for a running server.
const DefaultServerURL = "http://localhost:8000"

// client talks to a running orchestrator.
type client struct {
	base string
	http *http.Client
}

// newClient returns a client for server. Streams have no overall timeout;
// plain requests use timeout when it is positive.
func newClient(server string, timeout time.Duration) (*client, error) {
	u, err := url.Parse(server)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.ValidationError(fmt.Sprintf("invalid server URL %q", server))
	}
	return &client{
		base: strings.TrimRight(server, "/"),
		http: &http.Client{Timeout: timeout},
	}, nil
}

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ExitGeneralError, fmt.Sprintf("%s %s failed", method, path), err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

// doJSON decodes the body of a successful response into v.
func (c *client) doJSON(ctx context.Context, method, path string, v any) error {
	resp, err := c.do(ctx, method, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// responseError turns a JSON error body into a coded error.
func responseError(resp *http.Response) error {
	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err != nil || body.Error.Type == "" {
		return errors.New(errors.ExitGeneralError, fmt.Sprintf("server returned %s", resp.Status))
	}
	return errors.FromKind(body.Error.Type, body.Error.Message)
}
