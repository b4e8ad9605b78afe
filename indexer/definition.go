package indexer

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"text/template"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// Field describes how one value is extracted from a result row. In YAML it
// is either a plain string ("td.name a@href", a gjson path, or a template
// containing "{{") or a mapping.
type Field struct {
	Selector  string `yaml:"selector"`
	Attribute string `yaml:"attribute,omitempty"`
	// Remove drops matching children before the text is read.
	Remove string `yaml:"remove,omitempty"`
	// Text is a static value or a template over the row.
	Text    string `yaml:"text,omitempty"`
	Regex   string `yaml:"regex,omitempty"`
	Default string `yaml:"default,omitempty"`

	regex *regexp.Regexp
}

// UnmarshalYAML accepts both the short string form and the mapping form.
func (f *Field) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		s := strings.TrimSpace(value.Value)
		switch {
		case strings.Contains(s, "{{"):
			f.Text = s
		case strings.Contains(s, "@"):
			sel, attr, _ := strings.Cut(s, "@")
			f.Selector, f.Attribute = strings.TrimSpace(sel), strings.TrimSpace(attr)
		default:
			f.Selector = s
		}
		return nil
	}
	type plain Field
	return value.Decode((*plain)(f))
}

// IsZero reports whether the field was left out of the definition.
func (f *Field) IsZero() bool {
	return f.Selector == "" && f.Attribute == "" && f.Text == "" && f.Default == ""
}

// FieldDefinition lists the row fields a definition extracts.
type FieldDefinition struct {
	Title                Field `yaml:"title"`
	DownloadURL          Field `yaml:"download_url"`
	GUID                 Field `yaml:"guid"`
	DetailsURL           Field `yaml:"details_url"`
	Category             Field `yaml:"category"`
	Size                 Field `yaml:"size"`
	Seeders              Field `yaml:"seeders"`
	Leechers             Field `yaml:"leechers"`
	Grabs                Field `yaml:"grabs"`
	PublishDate          Field `yaml:"publish_date"`
	DownloadVolumeFactor Field `yaml:"download_volume_factor"`
	UploadVolumeFactor   Field `yaml:"upload_volume_factor"`
	MinimumRatio         Field `yaml:"minimum_ratio"`
	MinimumSeedTime      Field `yaml:"minimum_seed_time"`
	Description          Field `yaml:"description"`
}

func (fd *FieldDefinition) each(fn func(name string, f *Field) error) error {
	fields := []struct {
		name string
		f    *Field
	}{
		{"title", &fd.Title},
		{"download_url", &fd.DownloadURL},
		{"guid", &fd.GUID},
		{"details_url", &fd.DetailsURL},
		{"category", &fd.Category},
		{"size", &fd.Size},
		{"seeders", &fd.Seeders},
		{"leechers", &fd.Leechers},
		{"grabs", &fd.Grabs},
		{"publish_date", &fd.PublishDate},
		{"download_volume_factor", &fd.DownloadVolumeFactor},
		{"upload_volume_factor", &fd.UploadVolumeFactor},
		{"minimum_ratio", &fd.MinimumRatio},
		{"minimum_seed_time", &fd.MinimumSeedTime},
		{"description", &fd.Description},
	}
	for _, field := range fields {
		if err := fn(field.name, field.f); err != nil {
			return err
		}
	}
	return nil
}

// ErrorSelector extracts a site's error message from a page.
type ErrorSelector struct {
	Selector string `yaml:"selector"`
	// Path is a gjson path used for JSON bodies.
	Path string `yaml:"path,omitempty"`
	// Message replaces the matched text when set.
	Message string `yaml:"message,omitempty"`
}

// LoginDefinition describes how to authenticate with a tracker.
type LoginDefinition struct {
	URL    string `yaml:"url"`
	Method string `yaml:"method"`
	// Form selects the login form for the "form" method.
	Form    string            `yaml:"form,omitempty"`
	Inputs  map[string]string `yaml:"inputs"`
	Captcha string            `yaml:"captcha,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Error   []ErrorSelector   `yaml:"error,omitempty"`

	SuccessCheck struct {
		Contains string `yaml:"contains"`
		Selector string `yaml:"selector"`
	} `yaml:"success_check"`

	// LoggedOut identifies the page a site serves once the session is gone.
	LoggedOut struct {
		Contains string `yaml:"contains"`
		Selector string `yaml:"selector"`
	} `yaml:"logged_out"`
}

// KeywordFilter rewrites the search term before it is sent.
type KeywordFilter struct {
	Name string   `yaml:"name"`
	Args []string `yaml:"args,omitempty"`
}

// SearchDefinition defines how to query a tracker.
type SearchDefinition struct {
	Type        string            `yaml:"type"`
	URL         string            `yaml:"url"`
	Method      string            `yaml:"method"`
	Body        string            `yaml:"body"`
	ContentType string            `yaml:"content_type"`
	Params      map[string]string `yaml:"params"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	// CategoryParam carries the native category codes; "cat" by default.
	CategoryParam     string          `yaml:"category_param,omitempty"`
	CategorySeparator string          `yaml:"category_separator,omitempty"`
	Keywords          []KeywordFilter `yaml:"keywords,omitempty"`
	Results           struct {
		// Path is the gjson path of the result list for JSON responses.
		Path    string `yaml:"path"`
		SubPath string `yaml:"sub_path"`
		// Container must be present in HTML responses; its absence means the
		// page layout changed.
		Container    string          `yaml:"container"`
		RowsSelector string          `yaml:"rows_selector"`
		Fields       FieldDefinition `yaml:"fields"`
	} `yaml:"results"`
}

// CapsDefinition declares optional search features.
type CapsDefinition struct {
	SingleCategory bool `yaml:"single_category"`
	SeasonSearch   bool `yaml:"season_search"`
	IMDBSearch     bool `yaml:"imdb_search"`
}

// Definition represents a single tracker's configuration.
type Definition struct {
	Key         string   `yaml:"key" json:"key"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Language    string   `yaml:"language" json:"language"`
	Type        string   `yaml:"type" json:"type"`
	Links       []string `yaml:"links" json:"links"`
	// Schedule is a cron spec for periodic warm-up searches.
	Schedule         string            `yaml:"schedule" json:"schedule,omitempty"`
	UserConfig       map[string]string `yaml:"user_config" json:"-"`
	Caps             CapsDefinition    `yaml:"caps" json:"caps"`
	Login            *LoginDefinition  `yaml:"login" json:"-"`
	Search           SearchDefinition  `yaml:"search" json:"-"`
	CategoryMappings []CategoryMapping `yaml:"category_mappings" json:"category_mappings"`
}

// BaseURL is the first configured link.
func (d *Definition) BaseURL() string {
	if len(d.Links) == 0 {
		return ""
	}
	return d.Links[0]
}

// LoadDefinition reads and validates one YAML definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes and validates a YAML definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("could not parse definition: %w", err)
	}
	if err := def.Validate(StandardTaxonomy); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks a definition before any site is built from it. Every CSS
// selector is compiled so that typos show up at load time instead of as
// silently empty searches.
func (d *Definition) Validate(t *Taxonomy) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if d.Key == "" {
		fail("key is required")
	}
	if d.Name == "" {
		d.Name = d.Key
	}
	if u, err := url.Parse(d.BaseURL()); err != nil || !u.IsAbs() {
		fail("links: first entry must be an absolute URL, got %q", d.BaseURL())
	}

	switch d.Search.Type {
	case "json":
	case "html":
		if d.Search.Results.RowsSelector == "" {
			fail("search.results.rows_selector is required for html definitions")
		}
		if d.Search.Results.Container == "" {
			fail("search.results.container is required for html definitions")
		}
	default:
		fail("unsupported search type %q", d.Search.Type)
	}
	if d.Search.URL == "" {
		fail("search.url is required")
	}
	if err := checkTemplates(d.Search.URL, d.Search.Body); err != nil {
		fail("search: %v", err)
	}
	for k, v := range d.Search.Params {
		if err := checkTemplates(v); err != nil {
			fail("search.params.%s: %v", k, err)
		}
	}
	if d.Search.Results.Fields.Title.IsZero() {
		fail("search.results.fields.title is required")
	}
	if d.Search.Results.Fields.DownloadURL.IsZero() {
		fail("search.results.fields.download_url is required")
	}

	html := d.Search.Type == "html"
	if html {
		for _, sel := range []string{d.Search.Results.RowsSelector, d.Search.Results.Container} {
			if err := checkSelector(sel); err != nil {
				fail("search.results: %v", err)
			}
		}
	}
	_ = d.Search.Results.Fields.each(func(name string, f *Field) error {
		if html {
			if err := checkSelector(f.Selector); err != nil {
				fail("field %s: %v", name, err)
			}
			if err := checkSelector(f.Remove); err != nil {
				fail("field %s: %v", name, err)
			}
		}
		if err := checkTemplates(f.Text); err != nil {
			fail("field %s: %v", name, err)
		}
		if f.Regex != "" {
			re, err := regexp.Compile(f.Regex)
			if err != nil {
				fail("field %s: invalid regex: %v", name, err)
			}
			f.regex = re
		}
		return nil
	})

	for _, kf := range d.Search.Keywords {
		if _, err := newKeywordFilter(kf); err != nil {
			fail("keywords: %v", err)
		}
	}

	if l := d.Login; l != nil {
		switch LoginMethod(l.Method) {
		case LoginMethodForm, LoginMethodPost, LoginMethodCookie:
		default:
			fail("login: unsupported method %q", l.Method)
		}
		if l.URL == "" {
			fail("login.url is required")
		}
		for _, sel := range []string{l.Form, l.SuccessCheck.Selector, l.LoggedOut.Selector} {
			if err := checkSelector(sel); err != nil {
				fail("login: %v", err)
			}
		}
		for _, es := range l.Error {
			if err := checkSelector(es.Selector); err != nil {
				fail("login.error: %v", err)
			}
		}
		for k, v := range l.Inputs {
			if err := checkTemplates(v); err != nil {
				fail("login.inputs.%s: %v", k, err)
			}
		}
	}

	for _, cm := range d.CategoryMappings {
		if cm.IndexerCategory == "" {
			fail("category_mappings: empty indexer_cat")
		}
		if _, ok := t.Get(cm.TorznabCategory); !ok {
			fail("category_mappings: unknown torznab_cat %d for %q", cm.TorznabCategory, cm.IndexerCategory)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("definition %q: %w", d.Key, errors.Join(errs...))
	}
	return nil
}

func checkSelector(sel string) error {
	if sel == "" {
		return nil
	}
	if _, err := cascadia.Compile(sel); err != nil {
		return fmt.Errorf("invalid selector %q: %w", sel, err)
	}
	return nil
}

func checkTemplates(tpls ...string) error {
	for _, s := range tpls {
		if !strings.Contains(s, "{{") {
			continue
		}
		if _, err := template.New("").Funcs(templateFuncs).Parse(s); err != nil {
			return err
		}
	}
	return nil
}
