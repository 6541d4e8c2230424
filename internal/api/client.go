package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/courier/internal/events"
)

// Client talks to a running courier API. It backs the request subcommands
// and the watch UI.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api %d: %s", e.StatusCode, e.Message)
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

// do sends req and decodes a 2xx body into out. It returns the status code.
func (c *Client) do(req *http.Request, out any) (int, error) {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Submit posts a request and returns its admission receipt.
func (c *Client) Submit(ctx context.Context, in SubmitRequest) (*SubmitResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/requests", in)
	if err != nil {
		return nil, err
	}
	var out SubmitResponse
	if _, err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns the current status of a request.
func (c *Client) Get(ctx context.Context, id string) (*RequestStatusResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/requests/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var out RequestStatusResponse
	if _, err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait blocks server-side for up to timeout. done is false when the server
// gave up first; status then carries only the id and current state.
func (c *Client) Wait(ctx context.Context, id string, timeout time.Duration) (status *RequestStatusResponse, done bool, err error) {
	path := "/requests/" + url.PathEscape(id) + "/wait"
	if timeout > 0 {
		path += "?timeout=" + url.QueryEscape(timeout.String())
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, false, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out RequestStatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, false, fmt.Errorf("decode response: %w", err)
		}
		return &out, true, nil
	case http.StatusAccepted:
		var t TimeoutResponse
		if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
			return nil, false, fmt.Errorf("decode response: %w", err)
		}
		return &RequestStatusResponse{RequestID: t.RequestID, Status: t.Status}, false, nil
	default:
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, false, &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
}

// Health queries /healthz. A degraded service still decodes; its status code
// is not treated as an error.
func (c *Client) Health(ctx context.Context) (*HealthzResponse, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode healthz: %w", err)
	}
	return &out, nil
}

// Stream reads the SSE event stream, calling fn for each event, until ctx
// ends or the server closes the stream. lastID resumes after a known event.
func (c *Client) Stream(ctx context.Context, lastID int64, fn func(events.Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if len(current.Data) > 0 {
				current.At = time.Now().UTC()
				fn(current)
			}
			current = events.Event{}
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}
