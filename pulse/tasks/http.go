package tasks

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/metronome/errors"
	"github.com/teranos/metronome/internal/httpclient"
	"github.com/teranos/metronome/pulse/async"
)

// maxResponseLog bounds how much of a response body is copied into the job log
const maxResponseLog = 512

// HTTPPayload is the payload of the http.request task
type HTTPPayload struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	ExpectStatus int               `json:"expect_status,omitempty"`
}

// HTTPTask sends one HTTP request per run. Without expect_status any 2xx
// response is a success.
type HTTPTask struct {
	client *httpclient.Client
}

// NewHTTPTask creates the http.request handler
func NewHTTPTask(client *httpclient.Client) *HTTPTask {
	return &HTTPTask{client: client}
}

func (h *HTTPTask) Name() string { return ActionHTTP }

func (h *HTTPTask) Run(ctx context.Context, task async.Task) error {
	var p HTTPPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	if p.URL == "" {
		return errors.Wrap(errors.ErrValidation, "http.request: url is required")
	}
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	if _, err := h.client.CheckURL(p.URL); err != nil {
		return &async.TaskError{Action: ActionHTTP, Code: async.ErrorCodeValidation, Err: err}
	}

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.Method), p.URL, body)
	if err != nil {
		return errors.Wrap(errors.ErrValidation, err.Error())
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return &async.TaskError{Action: ActionHTTP, Code: async.ErrorCodeNetworkError, Err: errors.Wrapf(err, "%s %s", req.Method, p.URL)}
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseLog))
	_, _ = io.Copy(io.Discard, resp.Body)

	duration := time.Since(start)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if p.ExpectStatus != 0 {
		ok = resp.StatusCode == p.ExpectStatus
	}

	if !ok {
		task.Log.Warn("unexpected response",
			"status", resp.StatusCode,
			"duration_ms", duration.Milliseconds(),
			"body", string(bytes.TrimSpace(snippet)))
		return errors.Newf("%s %s: unexpected status %d", req.Method, p.URL, resp.StatusCode)
	}

	task.Log.Info("response received",
		"status", resp.StatusCode,
		"duration_ms", duration.Milliseconds())
	return nil
}
