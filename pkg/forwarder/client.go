package forwarder

import (
	"bytes"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/valyala/fasthttp"

	"github.com/watchmanio/relay/pkg/event"
)

// client wraps the fasthttp client for the two upstream calls the
// forwarder makes. Bodies above the gzip threshold are compressed.
type client struct {
	http         *fasthttp.Client
	baseURL      string
	timeout      time.Duration
	gzipMinBytes int
}

func newClient(cfg Config) *client {
	return &client{
		http: &fasthttp.Client{
			Name:                "watchman-relay-forwarder",
			MaxIdleConnDuration: 30 * time.Second,
			ReadTimeout:         cfg.RequestTimeout,
			WriteTimeout:        cfg.RequestTimeout,
		},
		baseURL:      cfg.UpstreamURL,
		timeout:      cfg.RequestTimeout,
		gzipMinBytes: cfg.GzipMinBytes,
	}
}

// postBatch ships one batch and decodes the per-event outcomes. Any
// transport error, timeout, or non-200 status is an error; 401 maps to
// ErrAuthRejected so the caller can log it loudly. timeout bounds the
// whole call; the shutdown drain passes less than the configured
// request timeout when its deadline is closer.
func (c *client) postBatch(req event.BatchRequest, timeout time.Duration) (event.BatchResponse, error) {
	body, err := event.Marshal(req)
	if err != nil {
		return event.BatchResponse{}, err
	}
	status, respBody, err := c.post("/v1/events", body, timeout)
	if err != nil {
		return event.BatchResponse{}, fmt.Errorf("deliver batch: %w", err)
	}

	switch status {
	case fasthttp.StatusOK:
		var resp event.BatchResponse
		if err := event.Unmarshal(respBody, &resp); err != nil {
			return event.BatchResponse{}, fmt.Errorf("deliver batch: %w", err)
		}
		return resp, nil
	case fasthttp.StatusUnauthorized:
		return event.BatchResponse{}, ErrAuthRejected
	default:
		return event.BatchResponse{}, fmt.Errorf("deliver batch: upstream returned %d", status)
	}
}

// postHeartbeat reports liveness. Only a 204 counts as success.
func (c *client) postHeartbeat(hb event.Heartbeat) error {
	body, err := event.Marshal(hb)
	if err != nil {
		return err
	}
	status, _, err := c.post("/v1/heartbeat", body, c.timeout)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if status == fasthttp.StatusUnauthorized {
		return ErrAuthRejected
	}
	if status != fasthttp.StatusNoContent {
		return fmt.Errorf("heartbeat: upstream returned %d", status)
	}
	return nil
}

func (c *client) post(path string, body []byte, timeout time.Duration) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")

	if c.gzipMinBytes > 0 && len(body) >= c.gzipMinBytes {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return 0, nil, err
		}
		if err := zw.Close(); err != nil {
			return 0, nil, err
		}
		req.Header.SetContentEncoding("gzip")
		req.SetBody(buf.Bytes())
	} else {
		req.SetBody(body)
	}

	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return 0, nil, err
	}

	out := make([]byte, len(resp.Body()))
	copy(out, resp.Body())
	return resp.StatusCode(), out, nil
}
