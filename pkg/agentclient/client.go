// Package agentclient talks to the remote agent service over HTTP.
//
// Run and Branch return the raw streaming body; decoding it is the caller's
// job (see pkg/stream). History returns checkpoints already normalized into
// their canonical shape.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/coeus/pkg/checkpoints"
	"github.com/go-go-golems/coeus/pkg/observe"
	"github.com/go-go-golems/coeus/pkg/stream"
)

const (
	DefaultBaseURL     = "http://localhost:8000"
	DefaultRunPath     = "/run"
	DefaultBranchPath  = "/update"
	DefaultHistoryPath = "/history/get"
	DefaultRetryMax    = 2

	maxErrorBody = 4096
)

type Options struct {
	BaseURL     string
	RunPath     string
	BranchPath  string
	HistoryPath string
	// RetryMax applies to history fetches only; streaming posts are never retried.
	RetryMax int
	// HTTPClient is used for streaming requests. It must not set a Timeout
	// shorter than the longest expected reply.
	HTTPClient *http.Client
	Metrics    *observe.Metrics
}

type Client struct {
	base        *url.URL
	runPath     string
	branchPath  string
	historyPath string
	http        *http.Client
	history     *retryablehttp.Client
	metrics     *observe.Metrics
}

type messageBody struct {
	Message      string `json:"message"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "parse base url %q", opts.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("base url %q must be http or https", opts.BaseURL)
	}

	c := &Client{
		base:        base,
		runPath:     orDefault(opts.RunPath, DefaultRunPath),
		branchPath:  orDefault(opts.BranchPath, DefaultBranchPath),
		historyPath: orDefault(opts.HistoryPath, DefaultHistoryPath),
		http:        opts.HTTPClient,
		metrics:     opts.Metrics,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = c.http
	rc.RetryMax = opts.RetryMax
	if rc.RetryMax < 0 {
		rc.RetryMax = 0
	}
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.history = rc

	return c, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	if !strings.HasPrefix(v, "/") {
		return "/" + v
	}
	return v
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

// Run posts a fresh message and returns the streaming reply body.
func (c *Client) Run(ctx context.Context, message string) (io.ReadCloser, error) {
	return c.postStream(ctx, "run", c.runPath, messageBody{Message: message})
}

// Branch posts an edited message for the given checkpoint and returns the
// streaming reply body of the new timeline.
func (c *Client) Branch(ctx context.Context, checkpointID, message string) (io.ReadCloser, error) {
	return c.postStream(ctx, "branch", c.branchPath, messageBody{Message: message, CheckpointID: checkpointID})
}

func (c *Client) postStream(ctx context.Context, op, path string, body messageBody) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshal request body")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debug().Str("component", "agentclient").Str("op", op).Str("url", req.URL.String()).Msg("posting")

	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.RecordRequest(ctx, op, 0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &stream.TransportError{Op: op, Err: err}
	}
	c.metrics.RecordRequest(ctx, op, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorBody(resp.Body)
		_ = resp.Body.Close()
		log.Warn().Str("component", "agentclient").Str("op", op).Int("status", resp.StatusCode).Str("body", msg).Msg("agent returned non-OK status")
		return nil, &stream.TransportError{Op: op, Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, stream.NewEmptyBodyError(op, resp.StatusCode)
	}
	return resp.Body, nil
}

// History fetches and normalizes the checkpoint history.
func (c *Client) History(ctx context.Context) ([]checkpoints.Checkpoint, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.historyPath), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build history request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.history.Do(req)
	if err != nil {
		c.metrics.RecordRequest(ctx, "history", 0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &stream.TransportError{Op: "history", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	c.metrics.RecordRequest(ctx, "history", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorBody(resp.Body)
		log.Warn().Str("component", "agentclient").Int("status", resp.StatusCode).Str("body", msg).Msg("history fetch failed")
		return nil, &stream.TransportError{Op: "history", Status: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &stream.TransportError{Op: "history", Status: resp.StatusCode, Err: err}
	}
	cps, err := checkpoints.Normalize(raw)
	if err != nil {
		return nil, errors.Wrap(err, "normalize history")
	}
	return cps, nil
}

func readErrorBody(r io.Reader) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(b))
}
