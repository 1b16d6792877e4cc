package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/razvandimescu/livemd/internal/preview"
)

// ErrNotRunning is returned when no serve process answers on the control address.
var ErrNotRunning = errors.New("livemd is not running (start it with `livemd serve`)")

// APIError is a non-2xx answer from the control API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Client talks to a running control API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the control API at addr (host:port).
func NewClient(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Open starts or refreshes the preview for an absolute path.
func (c *Client) Open(ctx context.Context, path string) (preview.Info, error) {
	var info preview.Info
	err := c.do(ctx, http.MethodPost, "/previews", pathRequest{Path: path}, &info)
	return info, err
}

func (c *Client) List(ctx context.Context) ([]preview.Info, error) {
	var infos []preview.Info
	err := c.do(ctx, http.MethodGet, "/previews", nil, &infos)
	return infos, err
}

func (c *Client) Close(ctx context.Context, path string) (bool, error) {
	var resp closeResponse
	err := c.do(ctx, http.MethodPost, "/previews/close", pathRequest{Path: path}, &resp)
	return resp.Closed, err
}

func (c *Client) CloseAll(ctx context.Context) (int, error) {
	var resp closeAllResponse
	err := c.do(ctx, http.MethodDelete, "/previews", nil, &resp)
	return resp.Closed, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &status)
	return status, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
