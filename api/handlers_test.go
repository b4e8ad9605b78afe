package api

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scarf/auth"
	"scarf/indexer"
)

const testAPIKey = "test-api-key"

const demoDefinition = `
key: demo
name: Demo Tracker
description: A public demo tracker
language: en-US
type: public
links: ["%s"]
caps:
  imdb_search: true
search:
  type: json
  url: /api
  params:
    q: "{{ .Keywords }}"
  results:
    path: results
    fields:
      title: name
      download_url: link
      guid: id
      category: cat
      size: size
      seeders: seeders
      leechers: leechers
      publish_date: added
category_mappings:
  - indexer_cat: "1"
    torznab_cat: 2000
    desc: Movies
  - indexer_cat: "2"
    torznab_cat: 5040
    desc: TV HD
`

const demoResults = `{"results":[
	{"name":"Ubuntu 24.04","link":"/dl/1","id":"u1","cat":"1","size":"4 GB","seeders":12,"leechers":3,"added":"2024-04-25 10:00:00"},
	{"name":"Debian 12","link":"/dl/2","id":"d1","cat":"2","size":1024,"seeders":5,"leechers":0,"added":"2024-04-20 10:00:00"}
]}`

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *memCache) Set(key string, value []byte, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

type testEnv struct {
	router   http.Handler
	handler  *APIHandler
	requests *atomic.Int32
	// lastQuery is the most recent query string seen by the tracker.
	lastQuery atomic.Value
	failing   atomic.Bool
}

func newTestEnv(t *testing.T, cache Cache) *testEnv {
	t.Helper()
	env := &testEnv{requests: new(atomic.Int32)}
	env.lastQuery.Store("")
	tracker := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.requests.Add(1)
		env.lastQuery.Store(r.URL.RawQuery)
		if env.failing.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, demoResults)
	}))
	t.Cleanup(tracker.Close)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.yml"), []byte(fmt.Sprintf(demoDefinition, tracker.URL)), 0o644))
	manager, err := indexer.NewManager(indexer.ManagerOptions{DefinitionsPath: dir, Timeout: 5 * time.Second})
	require.NoError(t, err)

	auth.Configure(strings.Repeat("k", 32))
	env.handler = NewAPIHandler(manager, cache, time.Minute, testAPIKey, "hunter22", 50)
	env.router = NewRouter(env.handler, true, "")
	return env
}

func (env *testEnv) do(t *testing.T, method, target string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func decodeTorznabError(t *testing.T, rec *httptest.ResponseRecorder) TorznabError {
	t.Helper()
	var e TorznabError
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &e), rec.Body.String())
	return e
}

func TestTorznabErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantCode   int
	}{
		{"bad api key", "/torznab/demo/api?t=search&apikey=nope", http.StatusUnauthorized, errCodeIncorrectCredentials},
		{"missing function", "/torznab/demo/api?apikey=" + testAPIKey, http.StatusBadRequest, errCodeMissingParameter},
		{"unsupported function", "/torznab/demo/api?t=music&apikey=" + testAPIKey, http.StatusBadRequest, errCodeUnsupportedFunction},
		{"unknown indexer", "/torznab/nope/api?t=caps&apikey=" + testAPIKey, http.StatusNotFound, errCodeNoSuchItem},
		{"invalid season", "/torznab/demo/api?t=tvsearch&season=x&apikey=" + testAPIKey, http.StatusBadRequest, errCodeMissingParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.target, nil, "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeTorznabError(t, rec).Code)
		})
	}
	assert.Zero(t, env.requests.Load())
}

func TestTorznabCaps(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/torznab/demo/api?t=caps&apikey="+testAPIKey, nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	var caps TorznabCaps
	require.NoError(t, xml.Unmarshal(rec.Body.Bytes(), &caps))
	assert.Equal(t, "Demo Tracker", caps.Server.Title)
	assert.Equal(t, 50, caps.Limits.Default)
	assert.Contains(t, caps.Searching.MovieSearch.SupportedParams, "imdbid")

	require.Len(t, caps.Categories.Categories, 2)
	movies, tv := caps.Categories.Categories[0], caps.Categories.Categories[1]
	assert.Equal(t, "2000", movies.ID)
	assert.Empty(t, movies.Subcat)
	assert.Equal(t, "5000", tv.ID)
	require.Len(t, tv.Subcat, 1)
	assert.Equal(t, "5040", tv.Subcat[0].ID)

	rec = env.do(t, http.MethodGet, "/torznab/all/api?t=caps&apikey="+testAPIKey, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `title="All Indexers"`)
}

func TestTorznabSearch(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/torznab/demo/api?t=movie&q=ubuntu&cat=2000&imdbid=0133093&apikey="+testAPIKey, nil, "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/xml; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Contains(t, env.lastQuery.Load(), "cat=1")
	assert.Contains(t, env.lastQuery.Load(), "q=ubuntu")

	body := rec.Body.String()
	assert.Contains(t, body, `xmlns:torznab="http://torznab.com/schemas/2012/xmlns"`)
	assert.Contains(t, body, "<title>Ubuntu 24.04</title>")
	assert.Contains(t, body, `<torznab:attr name="seeders" value="12">`)
	assert.Contains(t, body, `<torznab:attr name="peers" value="15">`)
	assert.Contains(t, body, `<torznab:attr name="category" value="2000">`)
	assert.Contains(t, body, fmt.Sprintf(`length="%d"`, 4<<30))
	assert.Equal(t, 2, strings.Count(body, "<item>"), "a single native category is not filtered client-side")
}

func TestTorznabSearchUsesCache(t *testing.T) {
	env := newTestEnv(t, &memCache{data: make(map[string][]byte)})
	target := "/torznab/demo/api?t=search&q=linux&apikey=" + testAPIKey

	first := env.do(t, http.MethodGet, target, nil, "")
	second := env.do(t, http.MethodGet, target, nil, "")

	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "MISS", first.Header().Get("X-Cache"))
	assert.Equal(t, "HIT", second.Header().Get("X-Cache"))
	assert.EqualValues(t, 1, env.requests.Load())
	assert.Equal(t, first.Body.String(), second.Body.String())
}

func TestTorznabSearchSkipsCacheOfDisabledIndexer(t *testing.T) {
	env := newTestEnv(t, &memCache{data: make(map[string][]byte)})
	single := "/torznab/demo/api?t=search&q=linux&apikey=" + testAPIKey
	all := "/torznab/all/api?t=search&q=linux&apikey=" + testAPIKey

	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, single, nil, "").Code)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, all, nil, "").Code)
	require.NoError(t, env.handler.Manager.Toggle("demo", false))

	rec := env.do(t, http.MethodGet, single, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, all, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	assert.Zero(t, strings.Count(rec.Body.String(), "<item>"))
	assert.EqualValues(t, 2, env.requests.Load())
}

func TestListCategoriesUsesManagerTaxonomy(t *testing.T) {
	taxonomy := indexer.MustNewTaxonomy(9000,
		indexer.Category{ID: 9000, Name: "Misc"},
		indexer.Category{ID: 9010, Name: "Misc/Sub", ParentID: 9000},
	)
	manager, err := indexer.NewManager(indexer.ManagerOptions{Taxonomy: taxonomy})
	require.NoError(t, err)
	h := NewAPIHandler(manager, nil, time.Minute, testAPIKey, "hunter22", 50)

	rec := httptest.NewRecorder()
	h.ListCategories(rec, httptest.NewRequest(http.MethodGet, "/api/v1/categories", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var cats []indexer.Category
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cats))
	assert.Equal(t, taxonomy.All(), cats)
}

func TestTorznabSearchAll(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/torznab/all/api?t=search&q=linux&apikey="+testAPIKey, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<title>All Indexers</title>")
	assert.Equal(t, 2, strings.Count(rec.Body.String(), "<item>"))

	env.failing.Store(true)
	rec = env.do(t, http.MethodGet, "/torznab/all/api?t=search&q=other&apikey="+testAPIKey, nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, errCodeUnknown, decodeTorznabError(t, rec).Code)
}

func TestTorznabSearchUpstreamFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.failing.Store(true)

	rec := env.do(t, http.MethodGet, "/torznab/demo/api?t=search&q=x&apikey="+testAPIKey, nil, "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, errCodeUnknown, decodeTorznabError(t, rec).Code)
}

func TestAdminAPI(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/login", map[string]string{"password": "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/indexers", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/login", map[string]string{"password": "hunter22"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var login map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	token := login["token"]
	require.NotEmpty(t, token)

	rec = env.do(t, http.MethodGet, "/api/v1/indexers", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var indexers map[string]IndexerDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &indexers))
	require.Contains(t, indexers, "demo")
	demo := indexers["demo"]
	assert.Equal(t, "Demo Tracker", demo.Name)
	assert.True(t, demo.Enabled)
	assert.True(t, demo.Configured)
	assert.Equal(t, "active", demo.SessionState)
	assert.Equal(t, "TV/HD", demo.Categories[5040])

	rec = env.do(t, http.MethodGet, "/api/v1/api_key", nil, token)
	assert.Contains(t, rec.Body.String(), testAPIKey)

	rec = env.do(t, http.MethodPost, "/api/v1/indexer/config", UpdateConfigPayload{Key: "demo", Config: map[string]string{"apikey": "x"}}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"completed"}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/test_indexer?indexer=demo", nil, token)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/indexer/toggle", ToggleIndexerPayload{Key: "demo", Enabled: false}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/v1/search?indexer=demo&q=x", nil, token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/indexer/toggle", ToggleIndexerPayload{Key: "nope"}, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/indexer/config?indexer=demo", nil, token)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/indexers/reload", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"indexers":1}`, rec.Body.String())
}

func TestWebSearchRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	token, err := auth.GenerateToken()
	require.NoError(t, err)

	for i := range 3 {
		rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/search?indexer=demo&q=q%d", i), nil, token)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rec := env.do(t, http.MethodGet, "/api/v1/search?indexer=demo&q=again", nil, token)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/search?q=x", nil, token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/health", nil, "")

	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["status"])
	assert.EqualValues(t, 1, status["configured_indexers"])
	assert.Equal(t, false, status["cache_enabled"])

	rec = env.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGenerateCacheKey(t *testing.T) {
	a := GenerateCacheKey("demo", &indexer.TorznabQuery{Query: "Linux", Categories: []int{5000, 2000}})
	b := GenerateCacheKey("demo", &indexer.TorznabQuery{Query: " linux ", Categories: []int{2000, 5000}})
	c := GenerateCacheKey("demo", &indexer.TorznabQuery{Query: "linux", Categories: []int{2000}})
	d := GenerateCacheKey("other", &indexer.TorznabQuery{Query: "linux", Categories: []int{2000, 5000}})
	e := GenerateCacheKey("demo", &indexer.TorznabQuery{Query: "linux", Categories: []int{2000, 5000}, Offset: 100})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.NotEqual(t, a, e)
}

func TestCacheSkipsEmptyResults(t *testing.T) {
	cache := &memCache{data: make(map[string][]byte)}
	q := &indexer.TorznabQuery{Query: "x"}

	CacheSearchResults(cache, "demo", q, nil, time.Minute)
	assert.Empty(t, cache.data)
	CacheSearchResults(nil, "demo", q, []indexer.ReleaseInfo{{Title: "a"}}, time.Minute)

	CacheSearchResults(cache, "demo", q, []indexer.ReleaseInfo{{Title: "a"}}, time.Minute)
	got, ok := GetCachedSearchResults(cache, "demo", q)
	require.True(t, ok)
	assert.Equal(t, "a", got[0].Title)
}

func TestErrorMapping(t *testing.T) {
	cfgErr := &indexer.ConfigurationError{Indexer: "demo", Message: "bad password"}
	expired := &indexer.SessionExpiredError{Indexer: "demo"}
	notFound := fmt.Errorf("%w: x", indexer.ErrIndexerNotFound)

	assert.Equal(t, errCodeIncorrectCredentials, torznabCode(cfgErr))
	assert.Equal(t, errCodeIncorrectCredentials, torznabCode(expired))
	assert.Equal(t, errCodeNoSuchItem, torznabCode(notFound))
	assert.Equal(t, errCodeUnknown, torznabCode(io.EOF))

	assert.Equal(t, http.StatusBadRequest, httpStatus(cfgErr))
	assert.Equal(t, http.StatusNotFound, httpStatus(notFound))
	assert.Equal(t, http.StatusGatewayTimeout, httpStatus(fmt.Errorf("search: %w", context.DeadlineExceeded)))
	assert.Equal(t, http.StatusBadGateway, httpStatus(io.EOF))

	assert.Equal(t, "tt0133093", normalizeIMDBID("0133093"))
	assert.Equal(t, "tt0133093", normalizeIMDBID(" tt0133093 "))
}
