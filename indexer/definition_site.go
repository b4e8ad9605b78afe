package indexer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"text/template"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var templateFuncs = template.FuncMap{
	"join":    strings.Join,
	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"trim":    strings.TrimSpace,
	"replace": strings.ReplaceAll,
	"default": func(fallback string, v any) string {
		if s := fmt.Sprint(v); v != nil && s != "" {
			return s
		}
		return fallback
	},
}

// DefinitionSite is a Site described entirely by a YAML Definition.
type DefinitionSite struct {
	def      *Definition
	base     *url.URL
	keywords []func(string) string
}

// loginDefinitionSite adds the login handshake for definitions with a login
// block, so that SessionManager sees a LoginSite only when there is one.
type loginDefinitionSite struct {
	*DefinitionSite
}

// NewDefinitionSite builds the Site for a validated definition.
func NewDefinitionSite(def *Definition) (Site, error) {
	base, err := url.Parse(def.BaseURL())
	if err != nil || !base.IsAbs() {
		return nil, fmt.Errorf("definition %q: invalid base url %q", def.Key, def.BaseURL())
	}
	s := &DefinitionSite{def: def, base: base}
	for _, kf := range def.Search.Keywords {
		fn, err := newKeywordFilter(kf)
		if err != nil {
			return nil, fmt.Errorf("definition %q: %w", def.Key, err)
		}
		s.keywords = append(s.keywords, fn)
	}
	if def.Login != nil {
		return &loginDefinitionSite{s}, nil
	}
	return s, nil
}

// NewCategoryMapper registers the definition's category mappings.
func (d *Definition) NewCategoryMapper(t *Taxonomy) *CategoryMapper {
	m := NewCategoryMapper(t)
	for _, cm := range d.CategoryMappings {
		m.AddCategoryMapping(cm.IndexerCategory, cm.TorznabCategory, cm.Description)
	}
	return m
}

func (s *DefinitionSite) Key() string             { return s.def.Key }
func (s *DefinitionSite) Definition() *Definition { return s.def }

func (s *DefinitionSite) Capabilities() Capabilities {
	return Capabilities{
		SingleCategory: s.def.Caps.SingleCategory,
		SeasonSearch:   s.def.Caps.SeasonSearch,
		IMDBSearch:     s.def.Caps.IMDBSearch,
	}
}

// SanitizeTerm applies the definition's keyword filters.
func (s *DefinitionSite) SanitizeTerm(term string) string {
	for _, fn := range s.keywords {
		term = fn(term)
	}
	return strings.Join(strings.Fields(term), " ")
}

// config merges the definition defaults with the user's settings.
func (s *DefinitionSite) config(settings Credentials) map[string]string {
	cfg := make(map[string]string, len(s.def.UserConfig)+len(settings))
	for k, v := range s.def.UserConfig {
		cfg[k] = v
	}
	for k, v := range settings {
		cfg[k] = v
	}
	return cfg
}

type searchTemplateData struct {
	Query      string
	Keywords   string
	Category   string
	Categories []string
	Config     map[string]string
	Type       string
	Season     int
	Episode    string
	IMDBID     string
}

// BuildSearchRequest renders the definition's search templates, supporting
// both GET and POST endpoints.
func (s *DefinitionSite) BuildSearchRequest(ctx context.Context, sr SearchRequest) (*http.Request, error) {
	search := s.def.Search
	sep := search.CategorySeparator
	if sep == "" {
		sep = ","
	}
	data := searchTemplateData{
		Query:      sr.Term,
		Keywords:   sr.Term,
		Category:   strings.Join(sr.Categories, sep),
		Categories: sr.Categories,
		Config:     s.config(sr.Settings),
	}
	if q := sr.Query; q != nil {
		data.Type = string(q.Type)
		data.Season = q.Season
		data.Episode = q.Episode
		data.IMDBID = q.IMDBID
	}

	methodTpl := search.Method
	if methodTpl == "" {
		methodTpl = http.MethodGet
	}
	method, err := executeTemplate(methodTpl, data)
	if err != nil {
		return nil, fmt.Errorf("invalid method template: %w", err)
	}
	method = strings.ToUpper(strings.TrimSpace(method))

	rawURL, err := executeTemplate(search.URL, data)
	if err != nil {
		return nil, fmt.Errorf("invalid URL template: %w", err)
	}
	target, err := s.base.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search url %q: %w", rawURL, err)
	}

	var req *http.Request
	if method == http.MethodPost {
		body, err := executeTemplate(search.Body, data)
		if err != nil {
			return nil, fmt.Errorf("invalid body template: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(body))
		if err != nil {
			return nil, err
		}
		contentType := search.ContentType
		if contentType == "" {
			contentType = "application/x-www-form-urlencoded"
		}
		req.Header.Set("Content-Type", contentType)
	} else {
		q := target.Query()
		for key, valTpl := range search.Params {
			// Values that fail to render are sent verbatim.
			val, err := executeTemplate(valTpl, data)
			if err != nil {
				val = valTpl
			}
			q.Set(key, val)
		}
		if len(sr.Categories) > 0 {
			param := search.CategoryParam
			if param == "" {
				param = "cat"
			}
			q.Set(param, data.Category)
		}
		target.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, method, target.String(), nil)
		if err != nil {
			return nil, err
		}
	}
	applyHeaders(req, search.Headers)
	return req, nil
}

// ParseRows splits a result page into rows according to the definition.
func (s *DefinitionSite) ParseRows(body []byte) (iter.Seq2[RawRow, error], error) {
	if s.def.Search.Type == "json" {
		return s.parseJSONRows(body)
	}
	return s.parseHTMLRows(body)
}

func (s *DefinitionSite) parseJSONRows(body []byte) (iter.Seq2[RawRow, error], error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("response is not valid JSON")
	}
	results := s.def.Search.Results
	list := gjson.ParseBytes(body)
	if results.Path != "" {
		list = list.Get(results.Path)
		if !list.Exists() {
			return nil, fmt.Errorf("result path %q not found", results.Path)
		}
	}
	if list.Type != gjson.Null && !list.IsArray() && !list.IsObject() {
		return nil, fmt.Errorf("result path %q is not a list", results.Path)
	}

	cfg := s.config(nil)
	return func(yield func(RawRow, error) bool) {
		list.ForEach(func(_, parent gjson.Result) bool {
			if results.SubPath == "" {
				return yield(recoverRow(func() (RawRow, error) { return s.jsonRow(parent, gjson.Result{}, cfg) }))
			}
			more := true
			parent.Get(results.SubPath).ForEach(func(_, child gjson.Result) bool {
				more = yield(recoverRow(func() (RawRow, error) { return s.jsonRow(child, parent, cfg) }))
				return more
			})
			return more
		})
	}, nil
}

func (s *DefinitionSite) jsonRow(item, parent gjson.Result, cfg map[string]string) (RawRow, error) {
	tplData := map[string]any{
		"Result": item.Value(),
		"Parent": parent.Value(),
		"Config": cfg,
	}
	get := func(f *Field) (string, error) {
		if f.Text != "" {
			return s.fieldValue(f, tplData, "")
		}
		if f.Selector == "" {
			return s.fieldValue(f, nil, "")
		}
		v := item.Get(f.Selector)
		if !v.Exists() && parent.Exists() {
			v = parent.Get(f.Selector)
		}
		if v.IsArray() {
			parts := make([]string, 0, len(v.Array()))
			for _, e := range v.Array() {
				parts = append(parts, e.String())
			}
			return s.fieldValue(f, nil, strings.Join(parts, ","))
		}
		return s.fieldValue(f, nil, v.String())
	}
	return s.buildRow(get)
}

func (s *DefinitionSite) parseHTMLRows(body []byte) (iter.Seq2[RawRow, error], error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not parse html: %w", err)
	}
	results := s.def.Search.Results
	if results.Container == "" || doc.Find(results.Container).Length() == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoContainer, results.Container)
	}

	tplData := map[string]any{"Config": s.config(nil)}
	rows := doc.Find(results.RowsSelector)
	return func(yield func(RawRow, error) bool) {
		for _, row := range rows.EachIter() {
			get := func(f *Field) (string, error) {
				if f.Text != "" {
					return s.fieldValue(f, tplData, "")
				}
				return s.fieldValue(f, nil, extractHTML(row, f))
			}
			if !yield(recoverRow(func() (RawRow, error) { return s.buildRow(get) })) {
				return
			}
		}
	}, nil
}

// extractHTML reads a field from a row. An empty selector addresses the row
// itself.
func extractHTML(row *goquery.Selection, f *Field) string {
	sel := row
	if f.Selector != "" {
		sel = row.Find(f.Selector).First()
	}
	if sel.Length() == 0 {
		return ""
	}
	if f.Attribute != "" {
		return strings.TrimSpace(sel.AttrOr(f.Attribute, ""))
	}
	if f.Remove != "" {
		sel = sel.Clone()
		sel.Find(f.Remove).Remove()
	}
	return strings.Join(strings.Fields(sel.Text()), " ")
}

// fieldValue applies the template, regex and default of f to raw.
func (s *DefinitionSite) fieldValue(f *Field, tplData any, raw string) (string, error) {
	if f.Text != "" {
		v, err := executeTemplate(f.Text, tplData)
		if err != nil {
			return "", fmt.Errorf("template: %w", err)
		}
		raw = strings.TrimSpace(v)
	}
	if f.regex != nil && raw != "" {
		m := f.regex.FindStringSubmatch(raw)
		switch {
		case m == nil:
			raw = ""
		case len(m) > 1:
			raw = m[1]
		default:
			raw = m[0]
		}
	}
	if raw == "" {
		raw = f.Default
	}
	return raw, nil
}

// buildRow extracts every field with get. The first extraction error fails
// the row.
func (s *DefinitionSite) buildRow(get func(*Field) (string, error)) (RawRow, error) {
	fields := &s.def.Search.Results.Fields
	var (
		row      RawRow
		firstErr error
	)
	read := func(name string, f *Field) string {
		if firstErr != nil || f.IsZero() {
			return ""
		}
		v, err := get(f)
		if err != nil {
			firstErr = fmt.Errorf("field %s: %w", name, err)
		}
		return v
	}

	row.Title = read("title", &fields.Title)
	row.Link = s.absURL(read("download_url", &fields.DownloadURL))
	row.GUID = read("guid", &fields.GUID)
	row.Comments = s.absURL(read("details_url", &fields.DetailsURL))
	if cats := read("category", &fields.Category); cats != "" {
		for _, c := range strings.Split(cats, ",") {
			if c = strings.TrimSpace(c); c != "" {
				row.Categories = append(row.Categories, c)
			}
		}
	}
	row.Size = read("size", &fields.Size)
	row.Seeders = read("seeders", &fields.Seeders)
	row.Leechers = read("leechers", &fields.Leechers)
	row.Grabs = read("grabs", &fields.Grabs)
	row.PublishDate = read("publish_date", &fields.PublishDate)
	row.DownloadVolumeFactor = read("download_volume_factor", &fields.DownloadVolumeFactor)
	row.UploadVolumeFactor = read("upload_volume_factor", &fields.UploadVolumeFactor)
	row.MinimumRatio = read("minimum_ratio", &fields.MinimumRatio)
	row.MinimumSeedTime = read("minimum_seed_time", &fields.MinimumSeedTime)
	row.Description = read("description", &fields.Description)
	return row, firstErr
}

func (s *DefinitionSite) absURL(path string) string {
	if path == "" {
		return ""
	}
	rel, err := url.Parse(path)
	if err != nil {
		return path
	}
	return s.base.ResolveReference(rel).String()
}

// ExtractLoginError returns the first message found by the login error
// selectors.
func (s *DefinitionSite) ExtractLoginError(body []byte) string {
	if s.def.Login == nil {
		return ""
	}
	var doc *goquery.Document
	for _, es := range s.def.Login.Error {
		if es.Path != "" && gjson.ValidBytes(body) {
			if v := gjson.GetBytes(body, es.Path); v.Exists() && strings.TrimSpace(v.String()) != "" {
				return firstNonEmpty(es.Message, strings.TrimSpace(v.String()))
			}
			continue
		}
		if es.Selector == "" {
			continue
		}
		if doc == nil {
			var err error
			if doc, err = goquery.NewDocumentFromReader(bytes.NewReader(body)); err != nil {
				return ""
			}
		}
		if sel := doc.Find(es.Selector).First(); sel.Length() > 0 {
			return firstNonEmpty(es.Message, strings.Join(strings.Fields(sel.Text()), " "), "login failed")
		}
	}
	return ""
}

// DetectExpiryMarker matches the definition's logged-out marker.
func (s *DefinitionSite) DetectExpiryMarker(body []byte) bool {
	if s.def.Login == nil {
		return false
	}
	lo := s.def.Login.LoggedOut
	if lo.Contains != "" && bytes.Contains(body, []byte(lo.Contains)) {
		return true
	}
	if lo.Selector != "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		return err == nil && doc.Find(lo.Selector).Length() > 0
	}
	return false
}

func (s *loginDefinitionSite) LoginURL() string { return s.def.Login.URL }

// LoginSpec renders the login inputs for creds.
func (s *loginDefinitionSite) LoginSpec(creds Credentials) (LoginSpec, error) {
	l := s.def.Login
	data := map[string]any{"Config": s.config(creds)}
	inputs := make(map[string]string, len(l.Inputs))
	for k, tpl := range l.Inputs {
		v, err := executeTemplate(tpl, data)
		if err != nil {
			return LoginSpec{}, fmt.Errorf("input %s: %w", k, err)
		}
		inputs[k] = v
	}
	return LoginSpec{
		Method:       LoginMethod(l.Method),
		URL:          l.URL,
		FormSelector: l.Form,
		Inputs:       inputs,
		CaptchaInput: l.Captcha,
		Headers:      l.Headers,
	}, nil
}

// CheckLogin accepts a login response unless it carries an error message,
// still looks logged out, or misses the configured success marker.
func (s *loginDefinitionSite) CheckLogin(resp *Response) bool {
	if resp.StatusCode >= http.StatusBadRequest {
		return false
	}
	if s.ExtractLoginError(resp.Body) != "" || s.DetectExpiryMarker(resp.Body) {
		return false
	}
	sc := s.def.Login.SuccessCheck
	if sc.Contains != "" && !bytes.Contains(resp.Body, []byte(sc.Contains)) {
		return false
	}
	if sc.Selector != "" {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
		if err != nil || doc.Find(sc.Selector).Length() == 0 {
			return false
		}
	}
	return true
}

// executeTemplate returns strings that do not look like templates unchanged.
func executeTemplate(tplStr string, data any) (string, error) {
	if !strings.Contains(tplStr, "{{") {
		return tplStr, nil
	}
	tpl, err := template.New("").Funcs(templateFuncs).Option("missingkey=zero").Parse(tplStr)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func newKeywordFilter(kf KeywordFilter) (func(string) string, error) {
	switch kf.Name {
	case "diacritics":
		return func(s string) string {
			t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
			out, _, err := transform.String(t, s)
			if err != nil {
				return s
			}
			return out
		}, nil
	case "replace":
		if len(kf.Args) != 2 {
			return nil, errors.New("replace needs two args")
		}
		return func(s string) string { return strings.ReplaceAll(s, kf.Args[0], kf.Args[1]) }, nil
	case "re_replace":
		if len(kf.Args) != 2 {
			return nil, errors.New("re_replace needs two args")
		}
		re, err := regexp.Compile(kf.Args[0])
		if err != nil {
			return nil, fmt.Errorf("re_replace: %w", err)
		}
		return func(s string) string { return re.ReplaceAllString(s, kf.Args[1]) }, nil
	case "tolower":
		return strings.ToLower, nil
	case "toupper":
		return strings.ToUpper, nil
	case "trim":
		return strings.TrimSpace, nil
	default:
		return nil, fmt.Errorf("unknown keyword filter %q", kf.Name)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
