package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const defaultTimeout = 10 * time.Second

// CreateStreamRequest describes the stream to provision on the backend.
type CreateStreamRequest struct {
	Pipeline string         `json:"pipeline,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Stream is the backend's view of a provisioned stream.
type Stream struct {
	ID                 string `json:"id"`
	PublishEndpointURL string `json:"whip_url"`
}

// Client talks to the stream provisioning backend over JSON HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

// New builds a client for the backend at baseURL.
func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log.With().Str("module", "api").Logger(),
	}
}

// CreateStream provisions a stream and returns its id and publish
// endpoint.
func (c *Client) CreateStream(ctx context.Context, req CreateStreamRequest) (*Stream, error) {
	var stream Stream
	if err := c.do(ctx, http.MethodPost, "/v1/streams", req, &stream); err != nil {
		return nil, err
	}
	c.log.Info().Str("id", stream.ID).Msg("stream created")
	return &stream, nil
}

// UpdateParams replaces the runtime parameters of stream id.
func (c *Client) UpdateParams(ctx context.Context, id string, params map[string]any) error {
	return c.do(ctx, http.MethodPost, "/v1/streams/"+id+"/params", params, nil)
}

// DeleteStream releases the backend resources for stream id.
func (c *Client) DeleteStream(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/streams/"+id, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StatusError reports a non-2xx backend response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}
