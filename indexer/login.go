package indexer

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// handshake performs the login exchange described by the site's LoginSpec
// using client, whose jar collects the new session cookies.
func (m *SessionManager) handshake(ctx context.Context, client *http.Client, jar http.CookieJar, creds Credentials) error {
	key := m.site.Key()

	spec, err := m.login.LoginSpec(creds)
	if err != nil {
		return &ConfigurationError{Indexer: key, Message: "invalid login settings", Err: err}
	}
	if spec.URL == "" {
		spec.URL = m.login.LoginURL()
	}
	loginURL, err := m.session.BaseURL.Parse(spec.URL)
	if err != nil {
		return &ConfigurationError{Indexer: key, Message: "invalid login url", Err: err}
	}

	inputs := url.Values{}
	for k, v := range spec.Inputs {
		inputs.Set(k, v)
	}
	if spec.CaptchaInput != "" {
		captcha := strings.TrimSpace(creds["captcha"])
		if captcha == "" {
			return &ConfigurationError{Indexer: key, Message: "captcha required but not provided"}
		}
		inputs.Set(spec.CaptchaInput, captcha)
	}

	var resp *Response
	switch spec.Method {
	case LoginMethodCookie:
		resp, err = m.cookieLogin(ctx, client, jar, loginURL, creds, spec)
	case LoginMethodForm:
		resp, err = m.formLogin(ctx, client, loginURL, inputs, spec)
	case LoginMethodPost, "":
		resp, err = m.postLogin(ctx, client, loginURL, inputs, spec)
	default:
		return &ConfigurationError{Indexer: key, Message: fmt.Sprintf("unsupported login method %q", spec.Method)}
	}
	if err != nil {
		return err
	}

	if !m.login.CheckLogin(resp) {
		msg := strings.TrimSpace(m.site.ExtractLoginError(resp.Body))
		if msg == "" {
			msg = fmt.Sprintf("login was not accepted (status %d)", resp.StatusCode)
		}
		return &ConfigurationError{Indexer: key, Message: msg}
	}
	return nil
}

// cookieLogin seeds the jar with the user's cookie string and fetches the
// login URL so the site can confirm the session.
func (m *SessionManager) cookieLogin(ctx context.Context, client *http.Client, jar http.CookieJar, loginURL *url.URL, creds Credentials, spec LoginSpec) (*Response, error) {
	raw := strings.TrimSpace(creds["cookie"])
	if raw == "" {
		return nil, &ConfigurationError{Indexer: m.site.Key(), Message: "cookie is required"}
	}
	parsed := (&http.Request{Header: http.Header{"Cookie": {raw}}}).Cookies()
	if len(parsed) == 0 {
		return nil, &ConfigurationError{Indexer: m.site.Key(), Message: "cookie string could not be parsed"}
	}
	for _, c := range parsed {
		c.Path = "/"
	}
	jar.SetCookies(m.session.BaseURL, parsed)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL.String(), nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, spec.Headers)
	return m.do(client, req)
}

// formLogin loads the login page, keeps every input the form carries (CSRF
// tokens and the like), overlays the credentials and submits it.
func (m *SessionManager) formLogin(ctx context.Context, client *http.Client, loginURL *url.URL, inputs url.Values, spec LoginSpec) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL.String(), nil)
	if err != nil {
		return nil, err
	}
	applyHeaders(req, spec.Headers)
	page, err := m.do(client, req)
	if err != nil {
		return nil, err
	}

	action, values, err := collectFormInputs(page.Body, page.URL, spec.FormSelector)
	if err != nil {
		return nil, &ConfigurationError{Indexer: m.site.Key(), Message: "login form not found", Err: err}
	}
	for k := range inputs {
		values.Set(k, inputs.Get(k))
	}
	return m.postLogin(ctx, client, action, values, spec)
}

func (m *SessionManager) postLogin(ctx context.Context, client *http.Client, target *url.URL, values url.Values, spec LoginSpec) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	applyHeaders(req, spec.Headers)
	return m.do(client, req)
}

// collectFormInputs finds the login form in body and returns its resolved
// action URL together with the values it would submit.
func collectFormInputs(body []byte, pageURL *url.URL, selector string) (*url.URL, url.Values, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	if selector == "" {
		selector = "form"
	}
	form := doc.Find(selector).First()
	if form.Length() == 0 {
		return nil, nil, fmt.Errorf("no element matches %q", selector)
	}

	values := url.Values{}
	form.Find("input[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		typ := strings.ToLower(s.AttrOr("type", "text"))
		switch typ {
		case "submit", "button", "image", "file", "reset":
			return
		case "checkbox", "radio":
			if _, checked := s.Attr("checked"); !checked {
				return
			}
		}
		values.Set(name, s.AttrOr("value", ""))
	})
	form.Find("select[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		opt := s.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = s.Find("option").First()
		}
		values.Set(name, opt.AttrOr("value", strings.TrimSpace(opt.Text())))
	})
	form.Find("textarea[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		values.Set(name, s.Text())
	})

	action := pageURL
	if a := strings.TrimSpace(form.AttrOr("action", "")); a != "" {
		if action, err = pageURL.Parse(a); err != nil {
			return nil, nil, fmt.Errorf("invalid form action %q: %w", a, err)
		}
	}
	return action, values, nil
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
