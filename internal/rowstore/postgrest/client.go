// Package postgrest talks to a PostgREST-compatible check-in table over HTTP.
// It is both the relay's backing store and the check-in client's direct channel.
package postgrest

import (
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

	"raffle/internal/models"
	"raffle/internal/rowstore"
)

// DefaultTable is the table check-in rows live in.
const DefaultTable = "checkins"

// StatusError is a non-2xx response from the table endpoint.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("postgrest %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("postgrest %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Client is a rowstore.Store over the REST endpoint at {BaseURL}/rest/v1/{table}.
type Client struct {
	baseURL string
	key     string
	table   string
	http    *http.Client
}

// New returns a client for the given project url and anon key. A nil
// httpClient gets one with a 10 second timeout.
func New(baseURL, key, table string, httpClient *http.Client) *Client {
	if table == "" {
		table = DefaultTable
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		key:     strings.TrimSpace(key),
		table:   table,
		http:    httpClient,
	}
}

// Configured reports whether both the url and key are present.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.key != ""
}

func (c *Client) endpoint(q url.Values) string {
	u := c.baseURL + "/rest/v1/" + c.table
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (c *Client) do(ctx context.Context, op, method string, q url.Values, body any, header http.Header) (*http.Response, error) {
	if !c.Configured() {
		return nil, rowstore.ErrNotConfigured
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("postgrest %s: encode: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(q), rd)
	if err != nil {
		return nil, fmt.Errorf("postgrest %s: %w", op, err)
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("postgrest %s: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func (c *Client) getRows(ctx context.Context, op string, q url.Values) ([]models.CheckinRow, error) {
	resp, err := c.do(ctx, op, http.MethodGet, q, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rows []models.CheckinRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("postgrest %s: decode: %w", op, err)
	}
	return rows, nil
}

// exists reports whether session already has a row with column = value.
func (c *Client) exists(ctx context.Context, session, column, value string) (bool, error) {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("session", "eq."+session)
	q.Set(column, "eq."+value)
	q.Set("limit", "1")
	resp, err := c.do(ctx, "lookup", http.MethodGet, q, nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var hits []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return false, fmt.Errorf("postgrest lookup: decode: %w", err)
	}
	return len(hits) > 0, nil
}

// Insert checks phone then device for duplicates, inserts the row and
// reports the session count afterwards as its rank. A failed count is not
// an error; rank is 0 then.
func (c *Client) Insert(ctx context.Context, row models.CheckinRow) (int, error) {
	if row.Phone != "" {
		dup, err := c.exists(ctx, row.Session, "phone", row.Phone)
		if err != nil {
			return 0, err
		}
		if dup {
			return 0, rowstore.ErrDuplicate
		}
	}
	if row.Device != "" {
		dup, err := c.exists(ctx, row.Session, "device", row.Device)
		if err != nil {
			return 0, err
		}
		if dup {
			return 0, rowstore.ErrDuplicate
		}
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now().UTC()
	}
	resp, err := c.do(ctx, "insert", http.MethodPost, nil, []models.CheckinRow{row}, http.Header{"Prefer": {"return=representation"}})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusConflict {
			return 0, rowstore.ErrDuplicate
		}
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	n, err := c.Count(ctx, row.Session)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (c *Client) List(ctx context.Context, session string) ([]models.CheckinRow, error) {
	q := url.Values{}
	q.Set("select", "name,phone,device,session,timestamp")
	q.Set("session", "eq."+session)
	q.Set("order", "timestamp.asc")
	rows, err := c.getRows(ctx, "list", q)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.CheckinRow{}
	}
	return rows, nil
}

// Count asks for an exact count through the Content-Range header and falls
// back to listing when the server does not send one.
func (c *Client) Count(ctx context.Context, session string) (int, error) {
	q := url.Values{}
	q.Set("select", "id")
	q.Set("session", "eq."+session)
	resp, err := c.do(ctx, "count", http.MethodHead, q, nil, http.Header{"Prefer": {"count=exact"}})
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if n, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
		return n, nil
	}
	rows, err := c.List(ctx, session)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// parseContentRange reads the total from "0-24/25" or "*/0".
func parseContentRange(v string) (int, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v[i+1:]))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (c *Client) DeleteSession(ctx context.Context, session string) error {
	q := url.Values{}
	q.Set("session", "eq."+session)
	resp, err := c.do(ctx, "delete", http.MethodDelete, q, nil, nil)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}
