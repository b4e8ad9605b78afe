package api

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"scarf/auth"
	"scarf/indexer"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// APIHandler holds all dependencies for all API endpoints.
type APIHandler struct {
	Manager      *indexer.Manager
	Cache        Cache
	CacheTTL     time.Duration
	APIKey       string
	UIPassword   string
	DefaultLimit int
	StartTime    time.Time
	rateLimiters map[string]*rate.Limiter
	rlMutex      sync.RWMutex
}

// NewAPIHandler creates a new API handler. cache may be nil to disable caching.
func NewAPIHandler(manager *indexer.Manager, cache Cache, cacheTTL time.Duration, apiKey, uiPassword string, defaultLimit int) *APIHandler {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	return &APIHandler{
		Manager:      manager,
		Cache:        cache,
		CacheTTL:     cacheTTL,
		APIKey:       apiKey,
		UIPassword:   uiPassword,
		DefaultLimit: defaultLimit,
		StartTime:    time.Now(),
		rateLimiters: make(map[string]*rate.Limiter),
	}
}

// getRateLimiter returns the limiter guarding the interactive admin
// endpoints of one indexer.
func (h *APIHandler) getRateLimiter(indexerKey string) *rate.Limiter {
	h.rlMutex.RLock()
	limiter, exists := h.rateLimiters[indexerKey]
	h.rlMutex.RUnlock()

	if !exists {
		h.rlMutex.Lock()
		// Double-check after acquiring the lock
		if limiter, exists = h.rateLimiters[indexerKey]; !exists {
			limiter = rate.NewLimiter(rate.Limit(1), 3) // 1 request per second, burst of 3
			h.rateLimiters[indexerKey] = limiter
		}
		h.rlMutex.Unlock()
	}
	return limiter
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode JSON response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// HealthCheck returns the health status of the application
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	var enabled, configured int
	sessions := make(map[string]string)
	for _, inst := range h.Manager.GetAllIndexers() {
		if !inst.Enabled() {
			continue
		}
		enabled++
		if inst.IsConfigured() {
			configured++
		}
		sessions[inst.Key()] = inst.Session().State().String()
	}

	status := map[string]interface{}{
		"status":              "ok",
		"uptime":              time.Since(h.StartTime).String(),
		"total_indexers":      enabled,
		"configured_indexers": configured,
		"sessions":            sessions,
		"cache_enabled":       h.Cache != nil,
		"timestamp":           time.Now().UTC(),
	}

	code := http.StatusOK
	if configured == 0 && enabled > 0 {
		status["status"] = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// Login handles admin authentication.
func (h *APIHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if creds.Password != h.UIPassword {
		slog.Warn("Failed login attempt", "remote_addr", r.RemoteAddr)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	token, err := auth.GenerateToken()
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	slog.Info("Successful login", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// IndexerDetail for API response, including a map of categories for the UI.
type IndexerDetail struct {
	indexer.InstanceInfo
	Enabled             bool                      `json:"enabled"`
	Configured          bool                      `json:"configured"`
	SessionState        string                    `json:"session_state"`
	LastAuthenticatedAt *time.Time                `json:"last_authenticated_at,omitempty"`
	Settings            []string                  `json:"settings,omitempty"`
	Capabilities        indexer.Capabilities      `json:"capabilities"`
	CategoryMappings    []indexer.CategoryMapping `json:"category_mappings"`
	Categories          map[int]string            `json:"categories"`
}

// ListIndexers returns a JSON list of available indexers for the UI.
func (h *APIHandler) ListIndexers(w http.ResponseWriter, r *http.Request) {
	response := make(map[string]IndexerDetail)
	for _, inst := range h.Manager.GetAllIndexers() {
		taxonomy := inst.Mapper().Taxonomy()
		cats := make(map[int]string)
		for _, id := range inst.SupportedCategories() {
			if c, ok := taxonomy.Get(id); ok {
				cats[id] = c.Name
			}
		}

		detail := IndexerDetail{
			InstanceInfo:     inst.Info(),
			Enabled:          inst.Enabled(),
			Configured:       inst.IsConfigured(),
			SessionState:     inst.Session().State().String(),
			Capabilities:     inst.Capabilities(),
			CategoryMappings: inst.CategoryMappings(),
			Categories:       cats,
		}
		if t := inst.Session().LastAuthenticatedAt(); !t.IsZero() {
			detail.LastAuthenticatedAt = &t
		}
		if def, ok := h.Manager.GetDefinition(inst.Key()); ok {
			for name := range def.UserConfig {
				detail.Settings = append(detail.Settings, name)
			}
		}
		response[inst.Key()] = detail
	}
	writeJSON(w, http.StatusOK, response)
}

// ListCategories returns the canonical category tree.
func (h *APIHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Manager.Taxonomy().All())
}

// ToggleIndexerPayload is the struct for the toggle request
type ToggleIndexerPayload struct {
	Key     string `json:"key"`
	Enabled bool   `json:"enabled"`
}

// UpdateConfigPayload is the struct for the credential update request
type UpdateConfigPayload struct {
	Key    string            `json:"key"`
	Config map[string]string `json:"config"`
}

// UpdateIndexerConfig stores credentials for an indexer and logs in.
func (h *APIHandler) UpdateIndexerConfig(w http.ResponseWriter, r *http.Request) {
	var payload UpdateConfigPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	res, err := h.Manager.Configure(r.Context(), payload.Key, payload.Config)
	if err != nil {
		writeJSONError(w, httpStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": res.String()})
}

// ClearIndexerConfig drops the credentials and session of an indexer.
func (h *APIHandler) ClearIndexerConfig(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("indexer")
	if err := h.Manager.ClearCredentials(r.Context(), key); err != nil {
		slog.Error("Failed to clear indexer config", "indexer", key, "error", err)
		writeJSONError(w, httpStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleIndexer handles enabling or disabling an indexer
func (h *APIHandler) ToggleIndexer(w http.ResponseWriter, r *http.Request) {
	var payload ToggleIndexerPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if err := h.Manager.Toggle(payload.Key, payload.Enabled); err != nil {
		slog.Error("Failed to toggle indexer", "key", payload.Key, "error", err)
		writeJSONError(w, httpStatus(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ReloadIndexers re-reads the definitions directory.
func (h *APIHandler) ReloadIndexers(w http.ResponseWriter, r *http.Request) {
	if err := h.Manager.Reload(); err != nil {
		slog.Error("Failed to reload definitions", "error", err)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexers": len(h.Manager.GetAllIndexers())})
}

// search runs q against one indexer or, for "all", against every enabled
// one, going through the result cache.
func (h *APIHandler) search(ctx context.Context, indexerKey string, q *indexer.TorznabQuery) ([]indexer.ReleaseInfo, bool, error) {
	if indexerKey != "all" {
		if err := h.Manager.Searchable(indexerKey); err != nil {
			return nil, false, err
		}
	}
	if cached, ok := GetCachedSearchResults(h.Cache, indexerKey, q); ok {
		// Indexers disabled or cleared since the entry was written drop out.
		cached = slices.DeleteFunc(cached, func(r indexer.ReleaseInfo) bool {
			return h.Manager.Searchable(r.Indexer) != nil
		})
		return cached, true, nil
	}

	var (
		releases []indexer.ReleaseInfo
		err      error
	)
	if indexerKey == "all" {
		var res *indexer.AggregateResult
		res, err = h.Manager.SearchAll(ctx, q)
		if err == nil {
			releases = res.Releases
			if len(res.Failures) > 0 && len(res.Failures) == res.Searched {
				err = errors.New("all indexers failed")
			}
		}
	} else {
		releases, err = h.Manager.Search(ctx, indexerKey, q)
	}
	if err != nil {
		return nil, false, err
	}
	CacheSearchResults(h.Cache, indexerKey, q, releases, h.CacheTTL)
	return releases, false, nil
}

// WebSearch handles JSON searches from the admin UI.
func (h *APIHandler) WebSearch(w http.ResponseWriter, r *http.Request) {
	indexerKey := r.URL.Query().Get("indexer")
	if indexerKey == "" {
		writeJSONError(w, http.StatusBadRequest, "indexer parameter is required")
		return
	}
	q, err := h.parseQuery(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.getRateLimiter(indexerKey).Allow() {
		writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded, please try again later")
		return
	}

	slog.Info("Received web search request", "indexer", indexerKey, "query", q.Query, "categories", q.Categories)
	releases, _, err := h.search(r.Context(), indexerKey, q)
	if err != nil {
		slog.Error("Error during web search", "indexer", indexerKey, "query", q.Query, "error", err)
		writeJSONError(w, httpStatus(err), err.Error())
		return
	}
	if releases == nil {
		releases = []indexer.ReleaseInfo{}
	}
	writeJSON(w, http.StatusOK, releases)
}

// TestIndexer runs a test search on an indexer.
func (h *APIHandler) TestIndexer(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("indexer")
	if !h.getRateLimiter(key).Allow() {
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"ok":    false,
			"error": "Rate limit exceeded, please try again later",
		})
		return
	}

	if err := h.Manager.Test(r.Context(), key); err != nil {
		slog.Warn("Indexer test failed", "indexer", key, "error", err)
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": false, "error": err.Error()})
		return
	}
	slog.Info("Indexer test successful", "indexer", key)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// GetAPIKey returns the API key for Torznab clients.
func (h *APIHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"key": h.APIKey})
}

// TorznabAPI handles the main Torznab API endpoint with proper routing
func (h *APIHandler) TorznabAPI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("apikey") != h.APIKey {
		slog.Warn("Invalid Torznab API key used", "remote_addr", r.RemoteAddr)
		writeTorznabError(w, http.StatusUnauthorized, errCodeIncorrectCredentials, "Invalid API Key")
		return
	}

	indexerKey := chi.URLParam(r, "indexer")
	torznabType := r.URL.Query().Get("t")
	if torznabType == "" {
		writeTorznabError(w, http.StatusBadRequest, errCodeMissingParameter, "Missing parameter (t)")
		return
	}
	if indexerKey != "all" {
		if _, ok := h.Manager.GetIndexer(indexerKey); !ok {
			writeTorznabError(w, http.StatusNotFound, errCodeNoSuchItem, "Indexer not found: "+indexerKey)
			return
		}
	}

	if torznabType == "caps" {
		h.handleCaps(w, indexerKey)
		return
	}
	if _, ok := indexer.ParseSearchType(torznabType); !ok {
		writeTorznabError(w, http.StatusBadRequest, errCodeUnsupportedFunction, "Function not available: "+torznabType)
		return
	}
	h.handleSearch(w, r, indexerKey)
}

// handleCaps returns the capabilities of an indexer
func (h *APIHandler) handleCaps(w http.ResponseWriter, indexerKey string) {
	var caps *TorznabCaps
	if indexerKey == "all" {
		// The union of what every enabled indexer supports.
		seen := make(map[int]bool)
		var ids []int
		var merged indexer.Capabilities
		for _, inst := range h.Manager.GetAllIndexers() {
			if !inst.Enabled() {
				continue
			}
			merged.IMDBSearch = merged.IMDBSearch || inst.Capabilities().IMDBSearch
			for _, id := range inst.SupportedCategories() {
				if !seen[id] {
					seen[id] = true
					ids = append(ids, id)
				}
			}
		}
		caps = NewCaps("All Indexers", ids, merged, h.Manager.Taxonomy(), h.DefaultLimit)
	} else {
		inst, _ := h.Manager.GetIndexer(indexerKey)
		slog.Debug("Generating caps for indexer", "indexer", indexerKey)
		caps = NewCaps(inst.Info().Name, inst.SupportedCategories(), inst.Capabilities(), inst.Mapper().Taxonomy(), h.DefaultLimit)
	}
	writeXML(w, http.StatusOK, caps)
}

// handleSearch performs the actual search and returns RSS
func (h *APIHandler) handleSearch(w http.ResponseWriter, r *http.Request, indexerKey string) {
	q, err := h.parseQuery(r)
	if err != nil {
		writeTorznabError(w, http.StatusBadRequest, errCodeMissingParameter, err.Error())
		return
	}

	slog.Info("Received Torznab search request", "indexer", indexerKey, "type", q.Type, "query", q.Query, "categories", q.Categories)

	releases, hit, err := h.search(r.Context(), indexerKey, q)
	if err != nil {
		slog.Error("Torznab search failed", "indexer", indexerKey, "query", q.Query, "error", err)
		writeTorznabError(w, httpStatus(err), torznabCode(err), err.Error())
		return
	}

	title, description, language := "All Indexers", "Aggregated search across all enabled indexers", "en-US"
	if inst, ok := h.Manager.GetIndexer(indexerKey); ok {
		info := inst.Info()
		title, description, language = info.Name, info.Description, info.Language
	}
	feed := NewRSSFeed(title, description, language)
	feed.AddReleases(releases)

	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeXML(w, http.StatusOK, feed)
}

// parseQuery reads the Torznab search parameters of r.
func (h *APIHandler) parseQuery(r *http.Request) (*indexer.TorznabQuery, error) {
	params := r.URL.Query()
	st, ok := indexer.ParseSearchType(params.Get("t"))
	if !ok {
		st = indexer.SearchTypeGeneric
	}
	q := &indexer.TorznabQuery{
		Type:       st,
		Query:      params.Get("q"),
		Categories: indexer.ParseCategoryList(params.Get("cat")),
		Episode:    params.Get("ep"),
		IMDBID:     normalizeIMDBID(params.Get("imdbid")),
		Limit:      h.DefaultLimit,
	}

	var err error
	if q.Season, err = intParam(params.Get("season"), 0); err != nil {
		return nil, errors.New("invalid season")
	}
	if q.Offset, err = intParam(params.Get("offset"), 0); err != nil {
		return nil, errors.New("invalid offset")
	}
	if q.Limit, err = intParam(params.Get("limit"), h.DefaultLimit); err != nil {
		return nil, errors.New("invalid limit")
	}
	return q, nil
}

func intParam(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("not a non-negative integer")
	}
	return n, nil
}

func normalizeIMDBID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "tt") {
		return id
	}
	return "tt" + id
}

func torznabCode(err error) int {
	if indexer.IsSessionFailure(err) {
		return errCodeIncorrectCredentials
	}
	if errors.Is(err, indexer.ErrIndexerNotFound) {
		return errCodeNoSuchItem
	}
	return errCodeUnknown
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, indexer.ErrIndexerNotFound):
		return http.StatusNotFound
	case errors.Is(err, indexer.ErrIndexerDisabled):
		return http.StatusConflict
	case errors.Is(err, &indexer.ConfigurationError{}):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeTorznabError(w http.ResponseWriter, status, code int, description string) {
	writeXML(w, status, &TorznabError{Code: code, Description: description})
}

func writeXML(w http.ResponseWriter, status int, v any) {
	output, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal XML", "error", err)
		http.Error(w, "Failed to generate XML", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(xml.Header + string(output)))
}
