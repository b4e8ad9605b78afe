package indexer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const htmlDefinition = `
key: htmltracker
name: HTML Tracker
description: A private tracker
language: en-US
type: private
links:
  - %s
user_config:
  username: ""
  password: ""
caps:
  single_category: false
login:
  url: /login.php
  method: form
  form: form#login
  inputs:
    username: "{{ .Config.username }}"
    password: "{{ .Config.password }}"
  error:
    - selector: div.error
  success_check:
    contains: logout.php
  logged_out:
    selector: form#login
search:
  type: html
  url: /browse.php
  params:
    search: "{{ .Keywords }}"
  keywords:
    - name: diacritics
    - name: replace
      args: ["&", "and"]
  results:
    container: table#torrents
    rows_selector: table#torrents tr.row
    fields:
      title: td.name a
      download_url: td.dl a@href
      details_url: td.name a@href
      category:
        selector: td.cat a
        attribute: href
        regex: "cat=(\\d+)"
      size: td.size
      seeders: td.seeders
      leechers: td.leechers
      publish_date:
        selector: td.name
        remove: a
      download_volume_factor:
        text: "{{ if .Config.freeleech }}0{{ else }}1{{ end }}"
category_mappings:
  - indexer_cat: "1"
    torznab_cat: 2040
    desc: Movies HD
  - indexer_cat: "2"
    torznab_cat: 5040
    desc: TV HD
`

const jsonDefinition = `
key: jsontracker
name: JSON Tracker
links: ["https://api.example.org/"]
user_config:
  apikey: ""
caps:
  imdb_search: true
search:
  type: json
  url: /api/v2/torrents
  params:
    q: "{{ .Keywords }}"
    imdb: "{{ .IMDBID }}"
    key: "{{ .Config.apikey }}"
  category_param: categories
  category_separator: ";"
  results:
    path: data.movies
    sub_path: torrents
    fields:
      title: "{{ .Parent.title }} {{ .Result.quality }}"
      download_url: url
      guid: hash
      category: cats
      size: size_bytes
      seeders: seeds
      leechers: peers
      publish_date: date_uploaded_unix
category_mappings:
  - indexer_cat: movies
    torznab_cat: 2000
`

const htmlPage = `<html><body>
<a href="/logout.php">Logout</a>
<table id="torrents">
  <tr class="head"><th>Name</th></tr>
  <tr class="row">
    <td class="cat"><a href="/browse.php?cat=1">Movies</a></td>
    <td class="name"><a href="/details.php?id=1">Some Movie 2024 1080p</a> 2024-01-02 03:04:05</td>
    <td class="dl"><a href="/download.php?id=1">DL</a></td>
    <td class="size">1.5 GB</td><td class="seeders">10</td><td class="leechers">3</td>
  </tr>
  <tr class="row">
    <td class="cat"><a href="/browse.php?cat=2">TV</a></td>
    <td class="name"><a href="/details.php?id=2">Some Show S01E01</a> 2 hours ago</td>
    <td class="dl"><a href="/download.php?id=2">DL</a></td>
    <td class="size">700 MB</td><td class="seeders">5</td><td class="leechers">-</td>
  </tr>
</table></body></html>`

func parseTestDefinition(t *testing.T, yml string, args ...any) *Definition {
	t.Helper()
	if len(args) > 0 {
		yml = fmt.Sprintf(yml, args...)
	}
	def, err := ParseDefinition([]byte(yml))
	require.NoError(t, err)
	return def
}

func TestParseDefinition(t *testing.T) {
	def := parseTestDefinition(t, htmlDefinition, "https://tracker.example.org/")

	assert.Equal(t, "htmltracker", def.Key)
	assert.Equal(t, "https://tracker.example.org/", def.BaseURL())
	assert.Equal(t, "td.dl a", def.Search.Results.Fields.DownloadURL.Selector)
	assert.Equal(t, "href", def.Search.Results.Fields.DownloadURL.Attribute)
	assert.Equal(t, "cat=(\\d+)", def.Search.Results.Fields.Category.Regex)
	assert.Contains(t, def.Search.Results.Fields.DownloadVolumeFactor.Text, "{{")
	require.NotNil(t, def.Login)
	assert.Equal(t, "form", def.Login.Method)
	assert.Len(t, def.CategoryMappings, 2)

	m := def.NewCategoryMapper(nil)
	assert.Equal(t, []int{CatMovies, CatMoviesHD, CatTV, CatTVHD}, m.Categories())
}

func TestDefinitionValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "invalid selector",
			mutate:  func(s string) string { return strings.Replace(s, "td.seeders", "td[seeders", 1) },
			wantErr: "invalid selector",
		},
		{
			name:    "unknown canonical category",
			mutate:  func(s string) string { return strings.Replace(s, "torznab_cat: 5040", "torznab_cat: 5999", 1) },
			wantErr: "unknown torznab_cat 5999",
		},
		{
			name:    "bad login method",
			mutate:  func(s string) string { return strings.Replace(s, "method: form", "method: magic", 1) },
			wantErr: "unsupported method",
		},
		{
			name:    "broken template",
			mutate:  func(s string) string { return strings.Replace(s, "{{ .Keywords }}", "{{ .Keywords ", 1) },
			wantErr: "search.params.search",
		},
		{
			name:    "unknown keyword filter",
			mutate:  func(s string) string { return strings.Replace(s, "name: diacritics", "name: rot13", 1) },
			wantErr: "unknown keyword filter",
		},
		{
			name:    "html without container",
			mutate:  func(s string) string { return strings.Replace(s, "    container: table#torrents\n", "", 1) },
			wantErr: "search.results.container is required",
		},
		{
			name:    "relative link",
			mutate:  func(s string) string { return s },
			wantErr: "absolute URL",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := "https://tracker.example.org/"
			if tt.name == "relative link" {
				base = "tracker.example.org"
			}
			_, err := ParseDefinition([]byte(tt.mutate(fmt.Sprintf(htmlDefinition, base))))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefinitionValidationReportsEveryProblem(t *testing.T) {
	_, err := ParseDefinition([]byte("key: broken\nsearch:\n  type: xml\n"))
	require.Error(t, err)
	for _, want := range []string{"absolute URL", "unsupported search type", "search.url is required", "title is required", "download_url is required"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestDefinitionSiteHTML(t *testing.T) {
	def := parseTestDefinition(t, htmlDefinition, "https://tracker.example.org/")
	site, err := NewDefinitionSite(def)
	require.NoError(t, err)

	_, isLogin := site.(LoginSite)
	assert.True(t, isLogin)

	rows, err := site.ParseRows([]byte(htmlPage))
	require.NoError(t, err)

	var got []RawRow
	for r, err := range rows {
		require.NoError(t, err)
		got = append(got, r)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "Some Movie 2024 1080p", got[0].Title)
	assert.Equal(t, "https://tracker.example.org/download.php?id=1", got[0].Link)
	assert.Equal(t, "https://tracker.example.org/details.php?id=1", got[0].Comments)
	assert.Equal(t, []string{"1"}, got[0].Categories)
	assert.Equal(t, "1.5 GB", got[0].Size)
	assert.Equal(t, "2024-01-02 03:04:05", got[0].PublishDate)
	assert.Equal(t, "1", got[0].DownloadVolumeFactor)
	assert.Equal(t, "2 hours ago", got[1].PublishDate)
	assert.Equal(t, "-", got[1].Leechers)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r, err := got[1].toRelease(def.Key, def.NewCategoryMapper(nil), now)
	require.NoError(t, err)
	assert.Equal(t, []int{CatTVHD}, r.Categories)
	assert.Equal(t, now.Add(-2*time.Hour), r.PublishDate)
	assert.Equal(t, 5, r.Peers)
	assert.EqualValues(t, 700<<20, r.Size)
}

func TestDefinitionSiteMissingContainer(t *testing.T) {
	site, err := NewDefinitionSite(parseTestDefinition(t, htmlDefinition, "https://tracker.example.org/"))
	require.NoError(t, err)

	_, err = site.ParseRows([]byte("<html><body>Site maintenance</body></html>"))
	assert.ErrorIs(t, err, ErrNoContainer)
}

func TestDefinitionSiteLogin(t *testing.T) {
	site, err := NewDefinitionSite(parseTestDefinition(t, htmlDefinition, "https://tracker.example.org/"))
	require.NoError(t, err)
	ls := site.(LoginSite)

	spec, err := ls.LoginSpec(Credentials{"username": "alice", "password": "secret"})
	require.NoError(t, err)
	assert.Equal(t, LoginMethodForm, spec.Method)
	assert.Equal(t, "form#login", spec.FormSelector)
	assert.Equal(t, map[string]string{"username": "alice", "password": "secret"}, spec.Inputs)

	failed := []byte(`<html><div class="error"> Invalid   username or password </div><form id="login"></form></html>`)
	assert.Equal(t, "Invalid username or password", site.ExtractLoginError(failed))
	assert.False(t, ls.CheckLogin(&Response{StatusCode: 200, Body: failed}))
	assert.True(t, site.DetectExpiryMarker(failed))

	assert.True(t, ls.CheckLogin(&Response{StatusCode: 200, Body: []byte(htmlPage)}))
	assert.False(t, site.DetectExpiryMarker([]byte(htmlPage)))
}

func TestDefinitionSiteKeywords(t *testing.T) {
	site, err := NewDefinitionSite(parseTestDefinition(t, htmlDefinition, "https://tracker.example.org/"))
	require.NoError(t, err)

	assert.Equal(t, "Amelie and Nino", site.(TermSanitizer).SanitizeTerm("Amélie  &  Nino"))
}

func TestDefinitionSiteBuildsGETRequest(t *testing.T) {
	def := parseTestDefinition(t, jsonDefinition)
	site, err := NewDefinitionSite(def)
	require.NoError(t, err)
	_, isLogin := site.(LoginSite)
	assert.False(t, isLogin)

	req, err := site.BuildSearchRequest(context.Background(), SearchRequest{
		Categories: []string{"movies", "4k"},
		Term:       "dune",
		Query:      &TorznabQuery{Type: SearchTypeMovie, IMDBID: "tt1160419"},
		Settings:   Credentials{"apikey": "k3y"},
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "api.example.org", req.URL.Host)
	assert.Equal(t, "/api/v2/torrents", req.URL.Path)
	q := req.URL.Query()
	assert.Equal(t, "dune", q.Get("q"))
	assert.Equal(t, "tt1160419", q.Get("imdb"))
	assert.Equal(t, "k3y", q.Get("key"))
	assert.Equal(t, "movies;4k", q.Get("categories"))
}

func TestDefinitionSiteBuildsPOSTRequest(t *testing.T) {
	yml := strings.Replace(jsonDefinition, "  url: /api/v2/torrents\n", "  url: /api/search\n  method: post\n  content_type: application/json\n  body: '{\"q\":\"{{ .Keywords }}\",\"cat\":\"{{ .Category }}\"}'\n", 1)
	site, err := NewDefinitionSite(parseTestDefinition(t, yml))
	require.NoError(t, err)

	req, err := site.BuildSearchRequest(context.Background(), SearchRequest{Categories: []string{"movies"}, Term: "dune"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"q":"dune","cat":"movies"}`, string(body))
	require.NotNil(t, req.GetBody, "the body must be replayable for re-authentication")
}

func TestDefinitionSiteJSONRows(t *testing.T) {
	site, err := NewDefinitionSite(parseTestDefinition(t, jsonDefinition))
	require.NoError(t, err)

	body := []byte(`{"data":{"movies":[
		{"title":"Dune","cats":["movies","scifi"],"torrents":[
			{"quality":"1080p","url":"/t/1.torrent","hash":"AAA","size_bytes":1000,"seeds":9,"peers":1,"date_uploaded_unix":1700000000},
			{"quality":"2160p","url":"/t/2.torrent","hash":"BBB","size_bytes":2000,"seeds":3,"peers":0,"date_uploaded_unix":1700000001}
		]},
		{"title":"Arrival","cats":"movies","torrents":[{"quality":"720p","url":"/t/3.torrent","hash":"CCC"}]}
	]}}`)
	rows, err := site.ParseRows(body)
	require.NoError(t, err)

	var got []RawRow
	for r, err := range rows {
		require.NoError(t, err)
		got = append(got, r)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "Dune 1080p", got[0].Title)
	assert.Equal(t, "https://api.example.org/t/1.torrent", got[0].Link)
	assert.Equal(t, "AAA", got[0].GUID)
	assert.Equal(t, []string{"movies", "scifi"}, got[0].Categories)
	assert.Equal(t, "1000", got[0].Size)
	assert.Equal(t, "1700000000", got[0].PublishDate)
	assert.Equal(t, "Arrival 720p", got[2].Title)
	assert.Equal(t, []string{"movies"}, got[2].Categories)

	// Iteration stops when the consumer does.
	n := 0
	for range rows {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestDefinitionSiteJSONStructureErrors(t *testing.T) {
	site, err := NewDefinitionSite(parseTestDefinition(t, jsonDefinition))
	require.NoError(t, err)

	for _, body := range []string{"<html>", `{"data":{}}`, `{"data":{"movies":"none"}}`} {
		_, err := site.ParseRows([]byte(body))
		assert.Error(t, err, body)
	}

	rows, err := site.ParseRows([]byte(`{"data":{"movies":[]}}`))
	require.NoError(t, err)
	n := 0
	for range rows {
		n++
	}
	assert.Zero(t, n)
}

func TestDefinitionSiteEndToEnd(t *testing.T) {
	var loggedIn atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/login.php" && r.Method == http.MethodGet:
			fmt.Fprint(w, `<form id="login" action="/takelogin.php"><input type="hidden" name="token" value="t1"><input name="username"><input name="password" type="password"></form>`)
		case r.URL.Path == "/takelogin.php":
			if r.FormValue("token") != "t1" || r.FormValue("password") != "secret" {
				fmt.Fprint(w, `<div class="error">Bad login</div><form id="login"></form>`)
				return
			}
			loggedIn.Store(true)
			http.SetCookie(w, &http.Cookie{Name: "uid", Value: "1", Path: "/"})
			fmt.Fprint(w, `<a href="/logout.php">Logout</a>`)
		case r.URL.Path == "/browse.php":
			if _, err := r.Cookie("uid"); err != nil || !loggedIn.Load() {
				http.Redirect(w, r, "/login.php", http.StatusFound)
				return
			}
			assert.Equal(t, "Amelie", r.URL.Query().Get("search"))
			fmt.Fprint(w, htmlPage)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	def := parseTestDefinition(t, htmlDefinition, srv.URL)
	site, err := NewDefinitionSite(def)
	require.NoError(t, err)
	inst, err := NewInstance(site, def.NewCategoryMapper(nil), InstanceOptions{BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = inst.Configure(context.Background(), Credentials{"username": "alice", "password": "wrong"})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Bad login", cfgErr.Message)

	res, err := inst.Configure(context.Background(), Credentials{"username": "alice", "password": "secret"})
	require.NoError(t, err)
	assert.Equal(t, ConfigurationRequiresTesting, res)

	// One native category is sent, so the site's own filtering is trusted.
	releases, err := inst.Search(context.Background(), &TorznabQuery{Query: "Amélie", Categories: []int{CatMovies}})
	require.NoError(t, err)
	require.Len(t, releases, 2)
	assert.Equal(t, "Some Movie 2024 1080p", releases[0].Title)
	assert.Equal(t, []int{CatMoviesHD}, releases[0].Categories)
	assert.Equal(t, []int{CatTVHD}, releases[1].Categories)
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "json.yml")
	require.NoError(t, os.WriteFile(path, []byte(jsonDefinition), 0o644))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "jsontracker", def.Key)

	_, err = LoadDefinition(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}
