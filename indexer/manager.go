package indexer

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// InstanceState is what is persisted per indexer between runs.
type InstanceState struct {
	Credentials Credentials     `json:"credentials"`
	Session     SessionSnapshot `json:"session"`
	Enabled     bool            `json:"enabled"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StateStore persists InstanceState.
type StateStore interface {
	LoadInstanceState(ctx context.Context, key string) (InstanceState, bool, error)
	SaveInstanceState(ctx context.Context, key string, st InstanceState) error
	DeleteInstanceState(ctx context.Context, key string) error
}

// ManagerOptions configures NewManager.
type ManagerOptions struct {
	DefinitionsPath string
	Store           StateStore
	Transport       http.RoundTripper
	// Timeout applies to each HTTP exchange with a site.
	Timeout time.Duration
	// MaxConcurrent bounds how many instances SearchAll queries at once.
	MaxConcurrent int
	Taxonomy      *Taxonomy
	Logger        *slog.Logger
	// Debug logs every HTTP exchange.
	Debug bool
}

// AggregateResult is the merged outcome of SearchAll. Failures holds the
// error of every instance that failed; the others still contribute results.
type AggregateResult struct {
	Releases []ReleaseInfo
	Failures map[string]error
	Searched int
}

// Manager holds all loaded indexer instances and fans searches out to them.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger

	mu          sync.RWMutex
	instances   map[string]*Instance
	definitions map[string]*Definition
	onReload    func()
}

// NewManager creates a manager and loads definitions from opts.DefinitionsPath
// when set.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Taxonomy == nil {
		opts.Taxonomy = StandardTaxonomy
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Debug {
		opts.Transport = NewLoggingTransport(opts.Transport, opts.Logger)
	}

	m := &Manager{
		opts:        opts,
		logger:      opts.Logger,
		instances:   make(map[string]*Instance),
		definitions: make(map[string]*Definition),
	}
	if opts.DefinitionsPath != "" {
		if err := m.Reload(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SetReloadCallback registers fn to run after every successful Reload.
func (m *Manager) SetReloadCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = fn
}

// Reload re-reads the definitions directory and rebuilds every definition
// instance. Broken files are logged and skipped.
func (m *Manager) Reload() error {
	files, err := os.ReadDir(m.opts.DefinitionsPath)
	if err != nil {
		return fmt.Errorf("could not read definitions directory: %w", err)
	}

	instances := make(map[string]*Instance)
	definitions := make(map[string]*Definition)
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), ".yml") && !strings.HasSuffix(file.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(m.opts.DefinitionsPath, file.Name())
		def, err := LoadDefinition(path)
		if err != nil {
			m.logger.Warn("Could not load definition", "path", path, "error", err)
			continue
		}
		if _, dup := definitions[def.Key]; dup {
			m.logger.Warn("Duplicate definition key, skipping", "path", path, "indexer", def.Key)
			continue
		}
		inst, err := m.buildInstance(def)
		if err != nil {
			m.logger.Warn("Could not build indexer", "path", path, "error", err)
			continue
		}
		definitions[def.Key] = def
		instances[def.Key] = inst
		m.logger.Info("Loaded indexer definition", "indexer", def.Key, "name", def.Name)
	}

	m.mu.Lock()
	// Instances registered directly, without a definition, survive reloads.
	for key, inst := range m.instances {
		if _, fromDef := m.definitions[key]; !fromDef {
			if _, clash := instances[key]; !clash {
				instances[key] = inst
			}
		}
	}
	m.instances = instances
	m.definitions = definitions
	cb := m.onReload
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

func (m *Manager) buildInstance(def *Definition) (*Instance, error) {
	site, err := NewDefinitionSite(def)
	if err != nil {
		return nil, err
	}
	inst, err := NewInstance(site, def.NewCategoryMapper(m.opts.Taxonomy), InstanceOptions{
		Info: InstanceInfo{
			Key:         def.Key,
			Name:        def.Name,
			Description: def.Description,
			Language:    def.Language,
			Type:        def.Type,
		},
		BaseURL:         def.BaseURL(),
		Transport:       m.opts.Transport,
		Timeout:         m.opts.Timeout,
		Logger:          m.logger,
		OnSessionChange: m.persist,
	})
	if err != nil {
		return nil, err
	}
	m.restore(inst, envSettings(def))
	return inst, nil
}

// envSettings reads <KEY>_<SETTING> overrides for every user_config entry.
func envSettings(def *Definition) Credentials {
	creds := Credentials{}
	for key := range def.UserConfig {
		envKey := strings.ToUpper(fmt.Sprintf("%s_%s", def.Key, key))
		if val, ok := os.LookupEnv(envKey); ok {
			creds[key] = val
		}
	}
	return creds
}

// restore seeds inst from the store. Environment settings are used when
// nothing was stored yet.
func (m *Manager) restore(inst *Instance, fromEnv Credentials) {
	if m.opts.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, ok, err := m.opts.Store.LoadInstanceState(ctx, inst.Key())
		if err != nil {
			m.logger.Warn("Could not load saved session", "indexer", inst.Key(), "error", err)
		}
		if ok {
			inst.SetEnabled(st.Enabled)
			if len(st.Credentials) > 0 {
				inst.Session().SetCredentials(st.Credentials)
			}
			if inst.Session().Restore(st.Session) {
				m.logger.Debug("Restored saved session", "indexer", inst.Key(), "authenticated_at", st.Session.AuthenticatedAt)
			}
			return
		}
	}
	if len(fromEnv) > 0 {
		inst.Session().SetCredentials(fromEnv)
	}
}

// persist saves the state of inst; it is the instances' session callback.
func (m *Manager) persist(inst *Instance) {
	if m.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st := InstanceState{
		Credentials: inst.Session().Credentials(),
		Session:     inst.Session().Snapshot(),
		Enabled:     inst.Enabled(),
	}
	if err := m.opts.Store.SaveInstanceState(ctx, inst.Key(), st); err != nil {
		m.logger.Error("Could not save session", "indexer", inst.Key(), "error", err)
	}
}

// Register adds an instance that is not backed by a definition file.
func (m *Manager) Register(inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[inst.Key()]; exists {
		return fmt.Errorf("indexer %q already registered", inst.Key())
	}
	inst.onSessionChange = m.persist
	m.instances[inst.Key()] = inst
	return nil
}

// GetIndexer returns the instance for key.
func (m *Manager) GetIndexer(key string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[key]
	return inst, ok
}

// Taxonomy returns the canonical category tree instances are mapped onto.
func (m *Manager) Taxonomy() *Taxonomy {
	return m.opts.Taxonomy
}

// GetDefinition returns the definition an instance was built from.
func (m *Manager) GetDefinition(key string) (*Definition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	def, ok := m.definitions[key]
	return def, ok
}

// GetAllIndexers returns every instance ordered by key.
func (m *Manager) GetAllIndexers() []*Instance {
	m.mu.RLock()
	out := make([]*Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, inst)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Instance) int { return cmp.Compare(a.Key(), b.Key()) })
	return out
}

func (m *Manager) lookup(key string) (*Instance, error) {
	inst, ok := m.GetIndexer(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexerNotFound, key)
	}
	return inst, nil
}

// Searchable reports why key cannot be searched right now, or nil when it
// can.
func (m *Manager) Searchable(key string) error {
	_, err := m.searchable(key)
	return err
}

func (m *Manager) searchable(key string) (*Instance, error) {
	inst, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	if !inst.Enabled() {
		return nil, fmt.Errorf("%w: %s", ErrIndexerDisabled, key)
	}
	if !inst.IsConfigured() {
		return nil, &ConfigurationError{Indexer: key, Message: "indexer is not configured"}
	}
	return inst, nil
}

// Search queries a single indexer.
func (m *Manager) Search(ctx context.Context, key string, q *TorznabQuery) ([]ReleaseInfo, error) {
	inst, err := m.searchable(key)
	if err != nil {
		return nil, err
	}
	return inst.Search(ctx, q)
}

// SearchAll queries every enabled and configured indexer concurrently. A
// failing indexer is logged and recorded in Failures; it never fails the
// whole search. Results are deduplicated per indexer and guid, newest first.
func (m *Manager) SearchAll(ctx context.Context, q *TorznabQuery) (*AggregateResult, error) {
	var targets []*Instance
	for _, inst := range m.GetAllIndexers() {
		if inst.Enabled() && inst.IsConfigured() {
			targets = append(targets, inst)
		}
	}

	m.logger.Info("Starting aggregate search", "query", q.Query, "categories", q.Categories, "indexers", len(targets))

	// Paging applies to the merged list, so every instance is asked for
	// enough releases to fill the requested page.
	sub := *q
	sub.Offset = 0
	if q.Limit > 0 {
		sub.Limit = q.Offset + q.Limit
	}

	var (
		mu       sync.Mutex
		merged   []ReleaseInfo
		failures = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.MaxConcurrent)
	for _, inst := range targets {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("search panicked: %v", r)
				}
				if err != nil {
					m.logSearchFailure(inst.Key(), err)
					mu.Lock()
					failures[inst.Key()] = err
					mu.Unlock()
				}
			}()

			releases, err := inst.Search(gctx, &sub)
			if err != nil {
				return err
			}
			mu.Lock()
			merged = append(merged, releases...)
			mu.Unlock()
			return nil
		})
	}
	// Failures are recorded per instance above; Wait only reports completion.
	_ = g.Wait()

	if err := ctx.Err(); err != nil && len(merged) == 0 {
		return nil, err
	}

	merged = dedupeAcrossIndexers(merged)
	slices.SortStableFunc(merged, func(a, b ReleaseInfo) int {
		return b.PublishDate.Compare(a.PublishDate)
	})
	merged = paginate(merged, q.Offset, q.Limit)

	return &AggregateResult{Releases: merged, Failures: failures, Searched: len(targets)}, nil
}

func (m *Manager) logSearchFailure(key string, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		m.logger.Warn("Search timed out for indexer", "indexer", key)
	case IsSessionFailure(err):
		m.logger.Warn("Indexer needs reconfiguration", "indexer", key, "error", err)
	default:
		m.logger.Warn("Search failed for indexer during aggregate search", "indexer", key, "error", err)
	}
}

// dedupeAcrossIndexers keys releases by indexer and guid, since guids are
// only unique within one site.
func dedupeAcrossIndexers(releases []ReleaseInfo) []ReleaseInfo {
	seen := make(map[string]struct{}, len(releases))
	out := releases[:0]
	for _, r := range releases {
		key := r.Indexer + ":" + r.DedupKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Configure stores credentials for an indexer and logs in when it needs to.
func (m *Manager) Configure(ctx context.Context, key string, creds Credentials) (ConfigurationResult, error) {
	inst, err := m.lookup(key)
	if err != nil {
		return ConfigurationRequiresTesting, err
	}
	res, err := inst.Configure(ctx, creds)
	if err != nil {
		m.logger.Warn("Indexer configuration failed", "indexer", key, "error", err)
		return res, err
	}
	m.logger.Info("Indexer configured", "indexer", key, "result", res.String())
	return res, nil
}

// IsConfigured reports whether the indexer can be searched.
func (m *Manager) IsConfigured(key string) bool {
	inst, ok := m.GetIndexer(key)
	return ok && inst.IsConfigured()
}

// ClearCredentials resets an indexer to unconfigured and forgets its
// persisted session.
func (m *Manager) ClearCredentials(ctx context.Context, key string) error {
	inst, err := m.lookup(key)
	if err != nil {
		return err
	}
	inst.ClearCredentials()
	if m.opts.Store != nil {
		return m.opts.Store.DeleteInstanceState(ctx, key)
	}
	return nil
}

// Toggle enables or disables an indexer.
func (m *Manager) Toggle(key string, enabled bool) error {
	inst, err := m.lookup(key)
	if err != nil {
		return err
	}
	inst.SetEnabled(enabled)
	m.persist(inst)
	m.logger.Info("Indexer toggled", "indexer", key, "enabled", enabled)
	return nil
}

// Test runs an empty search against an indexer.
func (m *Manager) Test(ctx context.Context, key string) error {
	inst, err := m.lookup(key)
	if err != nil {
		return err
	}
	return inst.Test(ctx)
}
