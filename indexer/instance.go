package indexer

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// ConfigurationResult tells the caller what to do after Configure succeeded.
type ConfigurationResult int

const (
	// ConfigurationRequiresTesting means the login worked and a test search
	// should confirm that results come back.
	ConfigurationRequiresTesting ConfigurationResult = iota
	// ConfigurationCompleted means there is nothing left to verify.
	ConfigurationCompleted
)

func (r ConfigurationResult) String() string {
	if r == ConfigurationCompleted {
		return "completed"
	}
	return "requires_testing"
}

// InstanceInfo is descriptive metadata about a site instance.
type InstanceInfo struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Language    string `json:"language"`
	// Type is public, semi-private or private.
	Type string `json:"type"`
}

// InstanceOptions configures NewInstance.
type InstanceOptions struct {
	Info      InstanceInfo
	BaseURL   string
	Transport http.RoundTripper
	Timeout   time.Duration
	Logger    *slog.Logger
	// OnSessionChange is called after a login changed the session cookies.
	OnSessionChange func(*Instance)
}

// Instance is one configured site: its category mapper, session and query
// pipeline. At most one query runs against an instance at a time.
type Instance struct {
	info     InstanceInfo
	site     Site
	mapper   *CategoryMapper
	session  *SessionManager
	pipeline *Pipeline
	logger   *slog.Logger

	enabled         atomic.Bool
	sem             chan struct{}
	onSessionChange func(*Instance)
}

// NewInstance builds an instance for site. The mapper must be fully
// registered; it is not modified afterwards.
func NewInstance(site Site, mapper *CategoryMapper, opts InstanceOptions) (*Instance, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Info.Key == "" {
		opts.Info.Key = site.Key()
	}
	if opts.Info.Name == "" {
		opts.Info.Name = opts.Info.Key
	}

	session, err := NewSessionManager(site, SessionOptions{
		BaseURL:   opts.BaseURL,
		Transport: opts.Transport,
		Timeout:   opts.Timeout,
		Logger:    opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	inst := &Instance{
		info:            opts.Info,
		site:            site,
		mapper:          mapper,
		session:         session,
		pipeline:        NewPipeline(site, mapper, session, opts.Logger),
		logger:          opts.Logger.With("indexer", opts.Info.Key),
		sem:             make(chan struct{}, 1),
		onSessionChange: opts.OnSessionChange,
	}
	inst.enabled.Store(true)
	return inst, nil
}

func (i *Instance) Key() string                         { return i.info.Key }
func (i *Instance) Info() InstanceInfo                  { return i.info }
func (i *Instance) Site() Site                          { return i.site }
func (i *Instance) Mapper() *CategoryMapper             { return i.mapper }
func (i *Instance) Session() *SessionManager            { return i.session }
func (i *Instance) Enabled() bool                       { return i.enabled.Load() }
func (i *Instance) SetEnabled(enabled bool)             { i.enabled.Store(enabled) }
func (i *Instance) Capabilities() Capabilities          { return siteCapabilities(i.site) }
func (i *Instance) SupportedCategories() []int          { return i.mapper.Categories() }
func (i *Instance) CategoryMappings() []CategoryMapping { return i.mapper.Mappings() }

// IsConfigured reports whether the instance can be searched: public sites
// always, login sites once credentials or a session exist.
func (i *Instance) IsConfigured() bool {
	if !i.session.RequiresLogin() {
		return true
	}
	return len(i.session.Credentials()) > 0 || i.session.State() == StateActive
}

// Search runs q and returns the canonical releases.
func (i *Instance) Search(ctx context.Context, q *TorznabQuery) ([]ReleaseInfo, error) {
	res, err := i.SearchDetailed(ctx, q)
	if err != nil {
		return nil, err
	}
	return res.Releases, nil
}

// SearchDetailed is Search including the skipped-row side channel.
func (i *Instance) SearchDetailed(ctx context.Context, q *TorznabQuery) (*QueryResult, error) {
	select {
	case i.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-i.sem }()

	authBefore := i.session.LastAuthenticatedAt()
	start := time.Now()
	res, err := i.pipeline.Execute(ctx, q)
	searchDuration.WithLabelValues(i.info.Key).Observe(time.Since(start).Seconds())
	searchTotal.WithLabelValues(i.info.Key, outcomeLabel(err)).Inc()

	if !i.session.LastAuthenticatedAt().Equal(authBefore) {
		i.sessionChanged()
	}
	if err != nil {
		return nil, err
	}
	i.logger.Debug("Search finished", "results", len(res.Releases), "skipped_rows", len(res.RowErrors), "duration", time.Since(start))
	return res, nil
}

// Configure stores creds and, for login sites, authenticates immediately.
func (i *Instance) Configure(ctx context.Context, creds Credentials) (ConfigurationResult, error) {
	if !i.session.RequiresLogin() {
		i.session.SetCredentials(creds)
		i.sessionChanged()
		return ConfigurationCompleted, nil
	}
	if err := i.session.Authenticate(ctx, creds); err != nil {
		return ConfigurationRequiresTesting, err
	}
	i.sessionChanged()
	return ConfigurationRequiresTesting, nil
}

// ClearCredentials drops credentials and the session.
func (i *Instance) ClearCredentials() {
	i.session.Clear()
	i.sessionChanged()
}

// Test performs an empty search to check that the site answers with a
// parsable result page.
func (i *Instance) Test(ctx context.Context) error {
	_, err := i.Search(ctx, &TorznabQuery{Type: SearchTypeGeneric})
	return err
}

func (i *Instance) sessionChanged() {
	if i.onSessionChange != nil {
		i.onSessionChange(i)
	}
}
