// Package checkin submits and reads attendee check-ins. Every call tries the
// relay first and falls back to the backing table directly, but only when the
// relay could not be reached or answered with something unusable.
package checkin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/logger"

	"raffle/internal/models"
	"raffle/internal/rowstore"
)

const (
	// PrimaryTimeout bounds each relay request.
	PrimaryTimeout = 8 * time.Second
	// DefaultPhonePattern accepts mainland mobile numbers.
	DefaultPhonePattern = `^1\d{10}$`
	// MessageDuplicate is the business rejection for a repeated phone or device.
	MessageDuplicate = "already checked in"
)

// ErrorKind classifies a failed submission.
type ErrorKind int

const (
	ErrorKindNone ErrorKind = iota
	ErrorKindValidation
	ErrorKindConfig
	ErrorKindTransport
	ErrorKindInProgress
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindValidation:
		return "validation"
	case ErrorKindConfig:
		return "config"
	case ErrorKindTransport:
		return "transport"
	case ErrorKindInProgress:
		return "in_progress"
	}
	return "none"
}

// OutcomeKind is the result of one attempt on one channel.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	// OutcomeRejected is a business refusal such as a duplicate.
	OutcomeRejected
	// OutcomeInvalid means the channel refused the input itself.
	OutcomeInvalid
	OutcomeTransport
)

// Outcome is what a single channel attempt produced.
type Outcome struct {
	Kind    OutcomeKind
	Message string
	Rank    int
	Err     error
}

// Channel names which path produced a result.
type Channel string

const (
	ChannelNone      Channel = ""
	ChannelPrimary   Channel = "primary"
	ChannelSecondary Channel = "secondary"
)

// SubmitRequest is one attendee check-in.
type SubmitRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Device  string `json:"device,omitempty"`
	Session string `json:"-"`
}

// SubmitResult is the final answer for a submission. Duplicate implies !OK
// with Kind ErrorKindNone.
type SubmitResult struct {
	OK        bool
	Duplicate bool
	Message   string
	Rank      int
	Kind      ErrorKind
	Channel   Channel
}

// Direct is the fallback path to the backing table.
type Direct interface {
	rowstore.Store
	Configured() bool
}

// Options configures a Client.
type Options struct {
	// PrimaryURL is the relay base, e.g. https://relay.example.com. Empty
	// disables the primary channel.
	PrimaryURL     string
	PrimaryTimeout time.Duration
	PhonePattern   string
	// AdminToken is sent as a bearer token on reset.
	AdminToken string
	HTTPClient *http.Client
}

// Client is the two-channel check-in client.
type Client struct {
	primary string
	timeout time.Duration
	phone   *regexp.Regexp
	token   string
	http    *http.Client
	direct  Direct
}

// New builds a client. direct may be nil when no fallback exists.
func New(opts Options, direct Direct) (*Client, error) {
	pattern := opts.PhonePattern
	if pattern == "" {
		pattern = DefaultPhonePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("phone pattern: %w", err)
	}
	timeout := opts.PrimaryTimeout
	if timeout <= 0 {
		timeout = PrimaryTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		primary: strings.TrimRight(strings.TrimSpace(opts.PrimaryURL), "/"),
		timeout: timeout,
		phone:   re,
		token:   opts.AdminToken,
		http:    hc,
		direct:  direct,
	}, nil
}

func (c *Client) directConfigured() bool {
	return c.direct != nil && c.direct.Configured()
}

// Validate trims req in place and checks it without touching the network.
func (c *Client) Validate(req *SubmitRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	req.Device = strings.TrimSpace(req.Device)
	req.Session = strings.TrimSpace(req.Session)
	switch {
	case req.Name == "":
		return errors.New("name is required")
	case req.Phone == "":
		return errors.New("phone is required")
	case !c.phone.MatchString(req.Phone):
		return errors.New("phone number is invalid")
	}
	return nil
}

func (c *Client) url(path, session string) string {
	return c.primary + path + "?s=" + url.QueryEscape(session)
}

func (c *Client) send(ctx context.Context, method, path, session string, body any) (*http.Response, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			cancel()
			return nil, nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, session), rd)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		defer cancel()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			var reply relayReply
			if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&reply) == nil && !reply.OK && reply.Message != "" {
				return nil, nil, &refusedError{Status: resp.StatusCode, Message: reply.Message}
			}
		}
		return nil, nil, fmt.Errorf("relay %s %s: status %d", method, path, resp.StatusCode)
	}
	return resp, cancel, nil
}

// refusedError is a 4xx answer from the relay that explains itself.
type refusedError struct {
	Status  int
	Message string
}

func (e *refusedError) Error() string {
	return fmt.Sprintf("relay refused (%d): %s", e.Status, e.Message)
}

type relayReply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
	Rank    int    `json:"rank"`
}

func (c *Client) submitPrimary(ctx context.Context, req SubmitRequest) Outcome {
	resp, cancel, err := c.send(ctx, http.MethodPost, "/checkin", req.Session, req)
	var refused *refusedError
	if errors.As(err, &refused) {
		return Outcome{Kind: OutcomeInvalid, Message: refused.Message, Err: err}
	}
	if err != nil {
		return Outcome{Kind: OutcomeTransport, Err: err}
	}
	defer cancel()
	defer resp.Body.Close()
	var reply relayReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return Outcome{Kind: OutcomeTransport, Err: fmt.Errorf("relay reply: %w", err)}
	}
	switch {
	case reply.OK:
		return Outcome{Kind: OutcomeOK, Rank: reply.Rank}
	case reply.Message != "":
		return Outcome{Kind: OutcomeRejected, Message: reply.Message}
	}
	return Outcome{Kind: OutcomeTransport, Err: errors.New("relay reply: not ok without a message")}
}

func (c *Client) submitDirect(ctx context.Context, req SubmitRequest) Outcome {
	rank, err := c.direct.Insert(ctx, models.CheckinRow{
		Name:      req.Name,
		Phone:     req.Phone,
		Device:    req.Device,
		Session:   req.Session,
		Timestamp: time.Now().UTC(),
	})
	switch {
	case errors.Is(err, rowstore.ErrDuplicate):
		return Outcome{Kind: OutcomeRejected, Message: MessageDuplicate}
	case err != nil:
		return Outcome{Kind: OutcomeTransport, Err: err}
	}
	return Outcome{Kind: OutcomeOK, Rank: rank}
}

func resultOf(o Outcome, ch Channel) SubmitResult {
	switch o.Kind {
	case OutcomeOK:
		return SubmitResult{OK: true, Rank: o.Rank, Channel: ch}
	case OutcomeRejected:
		return SubmitResult{Duplicate: true, Message: o.Message, Channel: ch}
	case OutcomeInvalid:
		return SubmitResult{Kind: ErrorKindValidation, Message: o.Message, Channel: ch}
	}
	return SubmitResult{Kind: ErrorKindTransport, Message: o.Err.Error(), Channel: ch}
}

// Submit validates req and sends it, falling back to the direct channel
// only on a transport failure of the relay. A relay 4xx that carries a
// message is the relay's own validation and is not retried elsewhere.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) SubmitResult {
	if err := c.Validate(&req); err != nil {
		return SubmitResult{Kind: ErrorKindValidation, Message: err.Error()}
	}
	if c.primary == "" && !c.directConfigured() {
		return SubmitResult{Kind: ErrorKindConfig, Message: "no check-in channel is configured"}
	}

	if c.primary != "" {
		out := c.submitPrimary(ctx, req)
		if out.Kind != OutcomeTransport {
			return resultOf(out, ChannelPrimary)
		}
		logger.Warningf("checkin: relay submit failed, trying direct: %v", out.Err)
		if !c.directConfigured() {
			return SubmitResult{Kind: ErrorKindConfig, Message: "relay unreachable and the direct channel is not configured"}
		}
	}
	res := resultOf(c.submitDirect(ctx, req), ChannelSecondary)
	if res.Kind == ErrorKindTransport {
		res.Message = "all channels failed: " + res.Message
	}
	return res
}

// Load returns the session's rows ordered by timestamp. It never fails; when
// both channels are down the list is empty.
func (c *Client) Load(ctx context.Context, session string) []models.CheckinRow {
	if c.primary != "" {
		rows, err := c.loadPrimary(ctx, session)
		if err == nil {
			return rows
		}
		logger.Warningf("checkin: relay load failed, trying direct: %v", err)
	}
	if c.directConfigured() {
		rows, err := c.direct.List(ctx, session)
		if err == nil {
			return rows
		}
		logger.Warningf("checkin: direct load failed: %v", err)
	}
	return []models.CheckinRow{}
}

func (c *Client) loadPrimary(ctx context.Context, session string) ([]models.CheckinRow, error) {
	resp, cancel, err := c.send(ctx, http.MethodGet, "/checkin.json", session, nil)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer resp.Body.Close()
	var rows []models.CheckinRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("relay rows: %w", err)
	}
	if rows == nil {
		rows = []models.CheckinRow{}
	}
	return rows, nil
}

// Count is the length of Load.
func (c *Client) Count(ctx context.Context, session string) int {
	return len(c.Load(ctx, session))
}

// Reset deletes the session's rows. It reports whether either channel did so.
func (c *Client) Reset(ctx context.Context, session string) bool {
	if c.primary != "" {
		resp, cancel, err := c.send(ctx, http.MethodPost, "/checkin/reset", session, nil)
		if err == nil {
			var reply relayReply
			decodeErr := json.NewDecoder(resp.Body).Decode(&reply)
			resp.Body.Close()
			cancel()
			if decodeErr == nil && reply.OK {
				return true
			}
			err = errors.New("relay reset: not ok")
		}
		logger.Warningf("checkin: relay reset failed, trying direct: %v", err)
	}
	if c.directConfigured() {
		if err := c.direct.DeleteSession(ctx, session); err != nil {
			logger.Warningf("checkin: direct reset failed: %v", err)
			return false
		}
		return true
	}
	return false
}
