package zway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Controller API paths.
const (
	apiPrefix   = "/ZAutomation/api/v1"
	loginPath   = apiPrefix + "/login"
	devicesPath = apiPrefix + "/devices"

	// sessionCookie carries the session token on authenticated calls.
	sessionCookie = "ZWAYSession"

	// maxBodySize bounds controller responses. A large installation's device
	// list is well under this.
	maxBodySize = 16 << 20
)

// Response is a controller reply with its raw JSON body.
type Response struct {
	Status int
	Body   json.RawMessage
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%w: empty response body", ErrTransport)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: decoding response: %w", ErrTransport, err)
	}
	return nil
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	Data struct {
		SID string `json:"sid"`
	} `json:"data"`
}

// Session performs authenticated requests against the controller.
//
// The session token is obtained lazily on the first call and renewed once
// when the controller answers 401. Concurrent callers that need a login
// share a single in-flight request.
type Session struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	logins singleflight.Group

	mu    sync.RWMutex
	token string

	// Hooks for client events; set before first use.
	onLogin    func()
	onResponse func(path string, status int)
}

// NewSession creates a session for the controller at baseURL
// (e.g. "http://192.168.1.20:8083").
func NewSession(baseURL, username, password string, client *http.Client) *Session {
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Session{
		baseURL:  baseURL,
		username: username,
		password: password,
		client:   client,
	}
}

// Token returns the current session token, or "" when not authenticated.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Reset discards the session token so the next call logs in again.
func (s *Session) Reset() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

// invalidate clears the token only if it is still the one that was rejected,
// so a login completed by another caller is kept.
func (s *Session) invalidate(rejected string) {
	s.mu.Lock()
	if s.token == rejected {
		s.token = ""
	}
	s.mu.Unlock()
}

// Authenticate logs in with the configured credentials.
//
// A non-200 status or a reply without a session id returns ErrAuthentication.
// Network failures return ErrTransport. Authenticate does not retry.
func (s *Session) Authenticate(ctx context.Context) error {
	_, err, _ := s.logins.Do("login", func() (any, error) {
		return nil, s.login(ctx)
	})
	return err
}

func (s *Session) login(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{Login: s.username, Password: s.password})
	if err != nil {
		return fmt.Errorf("%w: encoding credentials: %w", ErrAuthentication, err)
	}

	resp, err := s.request(ctx, http.MethodPost, loginPath, nil, body, "")
	if err != nil {
		return err
	}
	if resp.Status != http.StatusOK {
		return fmt.Errorf("%w: login returned status %d", ErrAuthentication, resp.Status)
	}

	var lr loginResponse
	if err := json.Unmarshal(resp.Body, &lr); err != nil {
		return fmt.Errorf("%w: decoding login reply: %w", ErrAuthentication, err)
	}
	if lr.Data.SID == "" {
		return fmt.Errorf("%w: login reply has no session id", ErrAuthentication)
	}

	s.mu.Lock()
	s.token = lr.Data.SID
	s.mu.Unlock()

	if s.onLogin != nil {
		s.onLogin()
	}
	return nil
}

// ensureToken returns a session token, logging in first when there is none.
func (s *Session) ensureToken(ctx context.Context) (string, error) {
	if token := s.Token(); token != "" {
		return token, nil
	}
	if err := s.Authenticate(ctx); err != nil {
		return "", err
	}
	token := s.Token()
	if token == "" {
		return "", fmt.Errorf("%w: session dropped during login", ErrAuthentication)
	}
	return token, nil
}

// Call performs an authenticated GET on path.
//
// A 401 reply causes exactly one re-login and one retry. A second 401 returns
// an error matching both ErrTransport and ErrSessionExpired. Every reply,
// including the rejected one, is reported to the response hook. Any other
// status is returned to the caller for interpretation.
func (s *Session) Call(ctx context.Context, path string, query url.Values) (*Response, error) {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.request(ctx, http.MethodGet, path, query, nil, token)
	if err != nil {
		return nil, err
	}
	s.reportResponse(path, resp.Status)
	if resp.Status != http.StatusUnauthorized {
		return resp, nil
	}

	s.invalidate(token)
	if token, err = s.ensureToken(ctx); err != nil {
		return nil, err
	}

	resp, err = s.request(ctx, http.MethodGet, path, query, nil, token)
	if err != nil {
		return nil, err
	}
	s.reportResponse(path, resp.Status)
	if resp.Status == http.StatusUnauthorized {
		s.invalidate(token)
		return nil, fmt.Errorf("%w: %w: %s rejected after re-login", ErrTransport, ErrSessionExpired, path)
	}
	return resp, nil
}

func (s *Session) reportResponse(path string, status int) {
	if s.onResponse != nil {
		s.onResponse(path, status)
	}
}

// request performs a single HTTP exchange.
//
// Successful replies must carry valid JSON when they carry a body. Error
// replies are returned as-is since the controller's error pages are not
// always JSON.
func (s *Session) request(ctx context.Context, method, path string, query url.Values, body []byte, token string) (*Response, error) {
	target := s.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: building request for %s: %w", ErrTransport, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: token})
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrTransport, method, path, err)
	}
	defer res.Body.Close() //nolint:errcheck // read-only body

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrTransport, path, err)
	}
	raw = bytes.TrimSpace(raw)

	if res.StatusCode >= 200 && res.StatusCode < 300 && len(raw) > 0 && !json.Valid(raw) {
		return nil, fmt.Errorf("%w: malformed JSON from %s", ErrTransport, path)
	}

	return &Response{Status: res.StatusCode, Body: raw}, nil
}
