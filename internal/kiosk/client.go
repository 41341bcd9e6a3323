// Package kiosk is the classroom terminal client: it holds a browser-equivalent session against
// the HTTP API and drives the attendance QR display.
package kiosk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"schoolhub/backend/internal/security"
	"schoolhub/backend/internal/timeout"
)

// ErrUnauthorized is returned when the server rejects the session; the kiosk must log in again.
var ErrUnauthorized = errors.New("kiosk: session rejected")

const fingerprintHeader = "X-Client-Fingerprint"

// APIError is a non-2xx response other than 401.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kiosk: server returned %d: %s", e.Status, e.Message)
}

// Client talks to the API with a cookie jar, so the session cookie stays out of application code.
type Client struct {
	base        *url.URL
	http        *http.Client
	fingerprint security.Fingerprint
	fpHeader    string
}

// NewClient returns a client for baseURL that presents fp on every request.
func NewClient(baseURL string, fp security.Fingerprint) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("kiosk: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("kiosk: base url must be http or https, got %q", baseURL)
	}
	if err := fp.Validate(); err != nil {
		return nil, err
	}
	header, err := security.EncodeFingerprintHeader(fp)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:        u,
		http:        &http.Client{Jar: jar, Timeout: 10 * time.Second},
		fingerprint: fp,
		fpHeader:    header,
	}, nil
}

// LoginResult is the server's answer to a login.
type LoginResult struct {
	UserID               string    `json:"userId"`
	SessionID            string    `json:"sessionId"`
	CreatedAt            time.Time `json:"createdAt"`
	DeviceName           string    `json:"deviceName"`
	IsNewDevice          bool      `json:"isNewDevice"`
	RequiresVerification bool      `json:"requiresVerification"`
}

// Login exchanges a provider access token for a session cookie.
func (c *Client) Login(ctx context.Context, accessToken string) (*LoginResult, error) {
	body := map[string]any{"accessToken": accessToken, "fingerprint": c.fingerprint}
	var res LoginResult
	if err := c.do(ctx, http.MethodPost, "/api/session", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

type metadataResponse struct {
	SessionStart      time.Time `json:"sessionStart"`
	InactivityTimeout int64     `json:"inactivityTimeoutMs"`
	AbsoluteTimeout   int64     `json:"absoluteTimeoutMs"`
	WarningTime       int64     `json:"warningTimeMs"`
}

// Metadata fetches the timeout settings for the current session. A zero session start from the
// server is reported as missing.
func (c *Client) Metadata(ctx context.Context) (timeout.Metadata, error) {
	var res metadataResponse
	if err := c.do(ctx, http.MethodGet, "/api/session/metadata", nil, &res); err != nil {
		return timeout.Metadata{}, err
	}
	meta := timeout.Metadata{
		InactivityTimeout: time.Duration(res.InactivityTimeout) * time.Millisecond,
		AbsoluteTimeout:   time.Duration(res.AbsoluteTimeout) * time.Millisecond,
		WarningTime:       time.Duration(res.WarningTime) * time.Millisecond,
	}
	if !res.SessionStart.IsZero() {
		start := res.SessionStart
		meta.SessionStart = &start
	}
	return meta, nil
}

// Session is an open attendance session.
type Session struct {
	ID       string `json:"id"`
	ClassID  string `json:"classId"`
	IsActive bool   `json:"isActive"`
}

// OpenSession starts attendance for classID.
func (c *Client) OpenSession(ctx context.Context, classID string) (*Session, error) {
	var res Session
	if err := c.do(ctx, http.MethodPost, "/api/attendance/sessions", map[string]string{"classId": classID}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CloseSession ends attendance.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/api/attendance/"+url.PathEscape(sessionID)+"/close", nil, nil)
}

// QRCode is one signed check-in code.
type QRCode struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// QR fetches a fresh code for the session.
func (c *Client) QR(ctx context.Context, sessionID string) (*QRCode, error) {
	var res QRCode
	if err := c.do(ctx, http.MethodGet, "/api/attendance/"+url.PathEscape(sessionID)+"/qr", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ReportEvent records a client-side security event such as a timeout anomaly.
func (c *Client) ReportEvent(ctx context.Context, eventType string, details map[string]string) error {
	return c.do(ctx, http.MethodPost, "/api/security/events", map[string]any{"eventType": eventType, "details": details}, nil)
}

// Logout ends the server session with reason (logout or session_timeout).
func (c *Client) Logout(ctx context.Context, reason string) error {
	path := "/api/session"
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// Revoker adapts Logout for the timeout controller.
func (c *Client) Revoker() timeout.Revoker {
	return timeout.RevokerFunc(c.Logout)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.fingerprint.UserAgent)
	// The server rejects state-changing requests whose Origin is not its own host.
	req.Header.Set("Origin", c.base.Scheme+"://"+c.base.Host)
	req.Header.Set(fingerprintHeader, c.fpHeader)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kiosk: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("kiosk: decode %s: %w", path, err)
	}
	return nil
}
