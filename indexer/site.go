package indexer

import (
	"context"
	"iter"
	"net/http"
	"net/url"
)

// Credentials are the user-supplied settings of a site, such as "username",
// "password", "captcha" or "cookie".
type Credentials map[string]string

// Clone returns a copy safe to hand to another goroutine.
func (c Credentials) Clone() Credentials {
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// URL is the URL of the last request made, after any redirects.
	URL *url.URL
}

// IsRedirect reports whether the response is a 3xx with a Location header.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400 && r.Header.Get("Location") != ""
}

// SearchRequest is what the pipeline asks a site to build one HTTP request for.
type SearchRequest struct {
	// Categories holds the native codes for this request; empty means
	// "all categories".
	Categories []string
	// Term is the sanitized free-text term.
	Term  string
	Query *TorznabQuery
	// Settings are the instance's user settings, e.g. an API key.
	Settings Credentials
}

// Site is implemented by every site integration. The query pipeline only
// depends on this interface.
type Site interface {
	Key() string
	BuildSearchRequest(ctx context.Context, req SearchRequest) (*http.Request, error)
	// ParseRows splits a response body into raw rows. A returned error means
	// the result container itself is broken; errors yielded alongside rows
	// only concern that row. A panic escaping the iterator ends it, so
	// per-row work should recover on its own.
	ParseRows(body []byte) (iter.Seq2[RawRow, error], error)
	// ExtractLoginError returns the site's own explanation for a failed
	// login, or "" when the body has none.
	ExtractLoginError(body []byte) string
	// DetectExpiryMarker reports whether body is the site's logged-out page.
	DetectExpiryMarker(body []byte) bool
}

// LoginMethod selects the handshake SessionManager performs.
type LoginMethod string

const (
	// LoginMethodForm fetches the login page, echoes its hidden inputs and
	// submits the form.
	LoginMethodForm LoginMethod = "form"
	// LoginMethodPost posts the inputs straight to the login URL.
	LoginMethodPost LoginMethod = "post"
	// LoginMethodCookie uses a cookie string supplied by the user.
	LoginMethodCookie LoginMethod = "cookie"
)

// LoginSpec describes a site's login handshake for a set of credentials.
type LoginSpec struct {
	Method LoginMethod
	// URL is where the handshake starts; LoginURL() when empty.
	URL string
	// FormSelector picks the form on the login page; the first form when empty.
	FormSelector string
	// Inputs are the credential fields, overriding anything found in the form.
	Inputs map[string]string
	// CaptchaInput names the form field the "captcha" credential is echoed into.
	CaptchaInput string
	Headers      map[string]string
}

// LoginSite is a Site that requires authentication.
type LoginSite interface {
	Site
	// LoginURL is the login page, absolute or relative to the base URL.
	// Redirects to it are treated as session expiry.
	LoginURL() string
	LoginSpec(creds Credentials) (LoginSpec, error)
	// CheckLogin reports whether the login response indicates success.
	CheckLogin(resp *Response) bool
}

// TermSanitizer lets a site rewrite search terms, e.g. to transliterate.
type TermSanitizer interface {
	SanitizeTerm(term string) string
}

// Capabilities describes search features of a site.
type Capabilities struct {
	// SingleCategory means the search endpoint accepts one category per request.
	SingleCategory bool `json:"single_category"`
	// SeasonSearch means the site filters by season/episode natively.
	SeasonSearch bool `json:"season_search"`
	IMDBSearch   bool `json:"imdb_search"`
}

// CapabilitiesProvider is implemented by sites that declare Capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

func siteCapabilities(s Site) Capabilities {
	if p, ok := s.(CapabilitiesProvider); ok {
		return p.Capabilities()
	}
	return Capabilities{}
}
