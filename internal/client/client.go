// Package client talks to a running factory over its HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/phasefactory/internal/analytics"
	"github.com/lucasnoah/phasefactory/internal/engine"
	"github.com/lucasnoah/phasefactory/internal/events"
	"github.com/lucasnoah/phasefactory/internal/peer"
	"github.com/lucasnoah/phasefactory/internal/pipeline"
	"github.com/lucasnoah/phasefactory/internal/protocol"
	"github.com/lucasnoah/phasefactory/internal/queue"
	"github.com/lucasnoah/phasefactory/internal/supervisor"
	"github.com/lucasnoah/phasefactory/internal/web"
)

// APIError is a non-2xx response. A 404 unwraps to pipeline.ErrNotFound.
type APIError struct {
	Status  int
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", http.StatusText(e.Status), e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", http.StatusText(e.Status), e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return pipeline.ErrNotFound
	}
	return nil
}

// Client is safe for concurrent use.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for the server at addr ("host:port" or a URL).
func New(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: 30 * time.Second}}
}

// SubmitPlan posts p and returns the created ids.
func (c *Client) SubmitPlan(ctx context.Context, p queue.Plan) (queue.PlanResult, error) {
	var res queue.PlanResult
	err := c.do(ctx, http.MethodPost, "/api/plans", p, &res)
	return res, err
}

// Plan returns the items of one plan.
func (c *Client) Plan(ctx context.Context, id string) (web.PlanStatus, error) {
	var ps web.PlanStatus
	err := c.do(ctx, http.MethodGet, "/api/plans/"+url.PathEscape(id), nil, &ps)
	return ps, err
}

// Items lists work items, optionally filtered by state and plan.
func (c *Client) Items(ctx context.Context, state, plan string) ([]pipeline.WorkItem, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if plan != "" {
		q.Set("plan", plan)
	}
	var items []pipeline.WorkItem
	err := c.do(ctx, http.MethodGet, withQuery("/api/items", q), nil, &items)
	return items, err
}

func (c *Client) Item(ctx context.Context, id string) (pipeline.WorkItem, error) {
	var it pipeline.WorkItem
	err := c.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(id), nil, &it)
	return it, err
}

// Command sends cancel, reopen, retry or unblock for one item and returns
// the item as the server sees it afterwards.
func (c *Client) Command(ctx context.Context, op protocol.CommandOp, id, reason string) (pipeline.WorkItem, error) {
	var it pipeline.WorkItem
	path := "/api/items/" + url.PathEscape(id) + "/" + string(op)
	err := c.do(ctx, http.MethodPost, path, web.CommandRequest{Reason: reason}, &it)
	return it, err
}

func (c *Client) Agents(ctx context.Context) ([]supervisor.Handle, error) {
	var hs []supervisor.Handle
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &hs)
	return hs, err
}

func (c *Client) Escalations(ctx context.Context) ([]engine.Escalation, error) {
	var es []engine.Escalation
	err := c.do(ctx, http.MethodGet, "/api/escalations", nil, &es)
	return es, err
}

func (c *Client) Peers(ctx context.Context) ([]peer.View, error) {
	var vs []peer.View
	err := c.do(ctx, http.MethodGet, "/api/peers", nil, &vs)
	return vs, err
}

// EventQuery selects events. Zero fields match everything.
type EventQuery struct {
	ItemID string
	Kinds  []events.Kind
	Since  uint64
	Limit  int
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	if q.ItemID != "" {
		v.Set("item", q.ItemID)
	}
	for _, k := range q.Kinds {
		v.Add("kind", string(k))
	}
	if q.Since > 0 {
		v.Set("since", strconv.FormatUint(q.Since, 10))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// History returns stored events matching q.
func (c *Client) History(ctx context.Context, q EventQuery) ([]events.Event, error) {
	var evs []events.Event
	err := c.do(ctx, http.MethodGet, withQuery("/api/events/history", q.values()), nil, &evs)
	return evs, err
}

// Follow streams events matching q to fn until ctx is done, fn returns an
// error, or the server closes the stream. Past events after q.Since come
// first.
func (c *Client) Follow(ctx context.Context, q EventQuery, fn func(events.Event) error) error {
	v := q.values()
	v.Del("limit")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+withQuery("/api/events", v), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	// No client timeout: the stream is long lived.
	resp, err := (&http.Client{Transport: c.http.Transport}).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var e events.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("decode streamed event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}

// Stats fetches the analytics report; since is "24h", "7d", an RFC 3339
// time or empty for everything.
func (c *Client) Stats(ctx context.Context, since string) (analytics.Report, error) {
	var rep analytics.Report
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	err := c.do(ctx, http.MethodGet, withQuery("/api/stats", q), nil, &rep)
	return rep, err
}

// Health reports the server's /healthz body. A degraded server is not an
// error.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET /healthz: %w", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return out, nil
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body web.ErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Field = body.Field
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return errors.Is(err, pipeline.ErrNotFound)
}
