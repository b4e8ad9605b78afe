package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	// MaxResponseSize bounds how much of a site response is read into memory.
	MaxResponseSize = 8 << 20
	maxRedirects    = 10
)

// SessionState is the login state of one site instance.
type SessionState int

const (
	StateUnconfigured SessionState = iota
	StateAuthenticating
	StateActive
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// SiteSession is the cookie state owned by a single site instance.
type SiteSession struct {
	BaseURL             *url.URL
	Jar                 http.CookieJar
	State               SessionState
	LastAuthenticatedAt time.Time
}

// NewSiteSession returns an unconfigured session with an empty cookie jar.
func NewSiteSession(baseURL string) (*SiteSession, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	return &SiteSession{BaseURL: u, Jar: newCookieJar(), State: StateUnconfigured}, nil
}

func newCookieJar() http.CookieJar {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return jar
}

// CookieValue is a persisted cookie.
type CookieValue struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SessionSnapshot is the persisted form of a SiteSession.
type SessionSnapshot struct {
	BaseURL         string        `json:"base_url"`
	Cookies         []CookieValue `json:"cookies"`
	AuthenticatedAt time.Time     `json:"authenticated_at"`
}

// SessionOptions configures a SessionManager.
type SessionOptions struct {
	BaseURL string
	// Transport executes requests; http.DefaultTransport when nil.
	Transport http.RoundTripper
	// Timeout applies to every single HTTP exchange.
	Timeout time.Duration
	Logger  *slog.Logger
}

// SessionManager keeps one site's authenticated session usable. Exchanges
// are serialized so that a re-authentication never races an in-flight
// request on the same cookie jar.
type SessionManager struct {
	site      Site
	login     LoginSite
	transport http.RoundTripper
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	sem chan struct{}

	mu      sync.Mutex
	session *SiteSession
	creds   Credentials
	client  *http.Client
}

// NewSessionManager builds the session layer for site. Sites that implement
// LoginSite get the login state machine; others start Active.
func NewSessionManager(site Site, opts SessionOptions) (*SessionManager, error) {
	session, err := NewSiteSession(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &SessionManager{
		site:      site,
		transport: opts.Transport,
		timeout:   opts.Timeout,
		logger:    opts.Logger.With("indexer", site.Key()),
		now:       time.Now,
		sem:       make(chan struct{}, 1),
		session:   session,
	}
	if ls, ok := site.(LoginSite); ok {
		m.login = ls
	} else {
		session.State = StateActive
	}
	m.client = m.newClient(session.Jar)
	return m, nil
}

func (m *SessionManager) newClient(jar http.CookieJar) *http.Client {
	return &http.Client{
		Jar:       jar,
		Transport: m.transport,
		Timeout:   m.timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			// Surface redirects to the login page so they can be seen as expiry.
			if m.isLoginURL(req.URL) {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// RequiresLogin reports whether the site has a login handshake.
func (m *SessionManager) RequiresLogin() bool {
	return m.login != nil
}

// State returns the current session state.
func (m *SessionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

// LastAuthenticatedAt returns when the session last became Active.
func (m *SessionManager) LastAuthenticatedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.LastAuthenticatedAt
}

// BaseURL returns the site's base URL.
func (m *SessionManager) BaseURL() *url.URL {
	return m.session.BaseURL
}

// Credentials returns a copy of the stored credentials.
func (m *SessionManager) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil
	}
	return m.creds.Clone()
}

// SetCredentials stores credentials without logging in. The next exchange on
// an unconfigured session authenticates with them.
func (m *SessionManager) SetCredentials(creds Credentials) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = creds.Clone()
}

func (m *SessionManager) setState(s SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.State = s
}

func (m *SessionManager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *SessionManager) release() {
	<-m.sem
}

// Authenticate stores creds and performs the site's login handshake.
func (m *SessionManager) Authenticate(ctx context.Context, creds Credentials) error {
	if m.login == nil {
		return ErrNoLogin
	}
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	m.SetCredentials(creds)
	return m.authenticate(ctx)
}

// authenticate runs the handshake; the caller holds the exchange lock.
// Rejected credentials leave the session Unconfigured without credentials.
// Cancellation and transport failures restore the state the attempt started
// from.
func (m *SessionManager) authenticate(ctx context.Context) (err error) {
	m.mu.Lock()
	prev := m.session.State
	m.session.State = StateAuthenticating
	creds := m.creds.Clone()
	m.mu.Unlock()

	defer func() {
		switch {
		case err == nil:
			reauthTotal.WithLabelValues(m.site.Key(), "success").Inc()
		case errors.Is(err, &ConfigurationError{}):
			// Rejected credentials are dropped so later searches do not
			// retry them.
			m.mu.Lock()
			m.session.State = StateUnconfigured
			m.creds = nil
			m.mu.Unlock()
			reauthTotal.WithLabelValues(m.site.Key(), "rejected").Inc()
		default:
			m.setState(prev)
			reauthTotal.WithLabelValues(m.site.Key(), "error").Inc()
		}
	}()

	m.logger.Info("Authenticating", "previous_state", prev.String())

	jar := newCookieJar()
	client := m.newClient(jar)
	if err := m.handshake(ctx, client, jar, creds); err != nil {
		m.logger.Warn("Authentication failed", "error", err)
		return err
	}

	m.mu.Lock()
	m.session.Jar = jar
	m.session.State = StateActive
	m.session.LastAuthenticatedAt = m.now()
	m.client = client
	m.mu.Unlock()

	m.logger.Info("Successfully authenticated")
	return nil
}

// IsExpirySignal reports whether resp shows that the session stopped working:
// a redirect to the login page, a response served from the login page, or the
// site's logged-out marker.
func (m *SessionManager) IsExpirySignal(resp *Response) bool {
	if resp.IsRedirect() && resp.URL != nil {
		if loc, err := resp.URL.Parse(resp.Header.Get("Location")); err == nil && m.isLoginURL(loc) {
			return true
		}
	} else if m.isLoginURL(resp.URL) {
		return true
	}
	return m.site.DetectExpiryMarker(resp.Body)
}

// ExecuteWithRetry executes req with the session cookies. On an expiry signal
// it re-authenticates once and replays req; a second expiry signal is a
// SessionExpiredError. Transport failures are returned untouched.
func (m *SessionManager) ExecuteWithRetry(ctx context.Context, req *http.Request) (*Response, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	if err := m.ensureSession(ctx); err != nil {
		return nil, err
	}

	resp, err := m.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if !m.IsExpirySignal(resp) {
		return m.checkStatus(req, resp)
	}

	if m.login == nil {
		return nil, &SessionExpiredError{Indexer: m.site.Key(), Err: ErrNoLogin}
	}

	m.logger.Warn("Session expiry detected, re-authenticating", "url", req.URL.Redacted())
	m.setState(StateExpired)
	if err := m.authenticate(ctx); err != nil {
		if errors.Is(err, &ConfigurationError{}) {
			return nil, &SessionExpiredError{Indexer: m.site.Key(), Err: err}
		}
		return nil, err
	}

	resp, err = m.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if m.IsExpirySignal(resp) {
		m.setState(StateUnconfigured)
		m.logger.Error("Session still expired after re-authentication")
		return nil, &SessionExpiredError{Indexer: m.site.Key()}
	}
	return m.checkStatus(req, resp)
}

// ensureSession logs in lazily when credentials were provided but no session
// exists yet.
func (m *SessionManager) ensureSession(ctx context.Context) error {
	if m.login == nil {
		return nil
	}
	m.mu.Lock()
	state, hasCreds := m.session.State, len(m.creds) > 0
	m.mu.Unlock()

	if state != StateUnconfigured {
		return nil
	}
	if !hasCreds {
		return &ConfigurationError{Indexer: m.site.Key(), Message: "indexer is not configured"}
	}
	return m.authenticate(ctx)
}

func (m *SessionManager) checkStatus(req *http.Request, resp *Response) (*Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return nil, &TransportError{Indexer: m.site.Key(), URL: req.URL.Redacted(), StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// execute sends a replayable copy of req with the current client.
func (m *SessionManager) execute(ctx context.Context, req *http.Request) (*Response, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	clone, err := rewind(ctx, req)
	if err != nil {
		return nil, err
	}
	return m.do(client, clone)
}

func (m *SessionManager) do(client *http.Client, req *http.Request) (*Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{Indexer: m.site.Key(), URL: req.URL.Redacted(), Err: err}
	}
	defer resp.Body.Close()

	body, err := limitedReadAll(resp.Body, MaxResponseSize)
	if err != nil {
		return nil, &TransportError{Indexer: m.site.Key(), URL: req.URL.Redacted(), Err: err}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        resp.Request.URL,
	}, nil
}

func (m *SessionManager) isLoginURL(u *url.URL) bool {
	if m.login == nil || u == nil {
		return false
	}
	login, err := m.session.BaseURL.Parse(m.login.LoginURL())
	if err != nil || strings.TrimSuffix(login.Path, "/") == "" {
		return false
	}
	if u.Host != "" && !strings.EqualFold(u.Host, login.Host) {
		return false
	}
	return strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(login.Path, "/")
}

// Snapshot returns the persistable form of the session.
func (m *SessionManager) Snapshot() SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := SessionSnapshot{
		BaseURL:         m.session.BaseURL.String(),
		AuthenticatedAt: m.session.LastAuthenticatedAt,
	}
	for _, c := range m.session.Jar.Cookies(m.session.BaseURL) {
		snap.Cookies = append(snap.Cookies, CookieValue{Name: c.Name, Value: c.Value})
	}
	return snap
}

// Restore seeds the session from a snapshot and marks it Active without
// logging in. Snapshots for another base URL or without cookies are ignored.
func (m *SessionManager) Restore(snap SessionSnapshot) bool {
	if m.login == nil || len(snap.Cookies) == 0 {
		return false
	}
	if strings.TrimSuffix(snap.BaseURL, "/") != strings.TrimSuffix(m.session.BaseURL.String(), "/") {
		return false
	}

	jar := newCookieJar()
	cookies := make([]*http.Cookie, 0, len(snap.Cookies))
	for _, c := range snap.Cookies {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: "/"})
	}
	jar.SetCookies(m.session.BaseURL, cookies)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Jar = jar
	m.session.State = StateActive
	m.session.LastAuthenticatedAt = snap.AuthenticatedAt
	m.client = m.newClient(jar)
	return true
}

// Clear drops credentials and cookies and returns to Unconfigured.
func (m *SessionManager) Clear() {
	jar := newCookieJar()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	m.session.Jar = jar
	m.session.LastAuthenticatedAt = time.Time{}
	m.client = m.newClient(jar)
	if m.login != nil {
		m.session.State = StateUnconfigured
	}
}

// rewind returns a copy of req bound to ctx with a fresh body.
func rewind(ctx context.Context, req *http.Request) (*http.Request, error) {
	clone := req.Clone(ctx)
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, errors.New("request body cannot be replayed")
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	clone.Body = body
	return clone, nil
}

// limitedReadAll reads at most limit bytes and fails if the body is larger.
func limitedReadAll(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}
