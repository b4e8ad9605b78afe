package indexer

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/moistari/rls"
)

// QueryResult is the outcome of one pipeline run. RowErrors lists rows that
// were skipped; they never fail the query.
type QueryResult struct {
	Releases  []ReleaseInfo
	RowErrors []*RowParseError
	Requests  int
}

// Pipeline executes logical searches for one site instance: category
// translation, authenticated requests, row conversion and post-filtering.
type Pipeline struct {
	site    Site
	mapper  *CategoryMapper
	session *SessionManager
	logger  *slog.Logger
	now     func() time.Time
}

// NewPipeline wires the collaborators of one site instance together.
func NewPipeline(site Site, mapper *CategoryMapper, session *SessionManager, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		site:    site,
		mapper:  mapper,
		session: session,
		logger:  logger.With("indexer", site.Key()),
		now:     time.Now,
	}
}

// Execute runs q against the site.
func (p *Pipeline) Execute(ctx context.Context, q *TorznabQuery) (*QueryResult, error) {
	key := p.site.Key()
	log := p.logger.With("query_id", uuid.NewString())
	caps := siteCapabilities(p.site)

	term := p.sanitize(q.SearchTerm())
	natives := p.mapper.MapToNative(q.Categories, true)

	batches := [][]string{natives}
	if caps.SingleCategory && len(natives) > 1 {
		batches = make([][]string, 0, len(natives))
		for _, code := range natives {
			batches = append(batches, []string{code})
		}
	}

	log.Debug("Executing search",
		"term", term,
		"categories", q.Categories,
		"native_categories", natives,
		"requests", len(batches),
	)

	settings := p.session.Credentials()
	result := &QueryResult{}
	for _, cats := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := p.site.BuildSearchRequest(ctx, SearchRequest{Categories: cats, Term: term, Query: q, Settings: settings})
		if err != nil {
			return nil, fmt.Errorf("indexer %s: build search request: %w", key, err)
		}
		result.Requests++
		requestTotal.WithLabelValues(key).Inc()

		resp, err := p.session.ExecuteWithRetry(ctx, req)
		if err != nil {
			return nil, err
		}

		rows, err := p.site.ParseRows(resp.Body)
		if err != nil {
			return nil, &ResponseStructureError{Indexer: key, Err: err}
		}
		p.fold(rows, result, log)
	}

	// The request could not express the category selection exactly, so the
	// reverse mapping decides what stays.
	if len(q.Categories) > 0 && len(natives) != 1 {
		result.Releases = filterByCategories(result.Releases, p.mapper.Taxonomy().Expand(q.Categories))
	}
	if q.IsTVSearch() && q.Season > 0 && !caps.SeasonSearch {
		result.Releases = filterByEpisode(result.Releases, q.Season, q.Episode)
	}
	result.Releases = dedupeReleases(result.Releases)
	result.Releases = paginate(result.Releases, q.Offset, q.Limit)

	if len(result.RowErrors) > 0 {
		log.Warn("Skipped unparsable rows", "skipped", len(result.RowErrors), "kept", len(result.Releases))
	}
	return result, nil
}

func (p *Pipeline) sanitize(term string) string {
	if s, ok := p.site.(TermSanitizer); ok {
		return s.SanitizeTerm(term)
	}
	return strings.Join(strings.Fields(term), " ")
}

// fold converts every row, collecting failures next to the successes.
func (p *Pipeline) fold(rows iter.Seq2[RawRow, error], acc *QueryResult, log *slog.Logger) {
	key := p.site.Key()
	now := p.now()
	index := 0

	fail := func(row RawRow, err error) {
		rowErr := &RowParseError{Indexer: key, Index: index, Row: row, Err: err}
		acc.RowErrors = append(acc.RowErrors, rowErr)
		rowErrorsTotal.WithLabelValues(key).Inc()
		log.Warn("Skipping unparsable row", "row", index, "title", row.Title, "raw", fmt.Sprintf("%+v", row), "error", err)
	}

	defer func() {
		if r := recover(); r != nil {
			fail(RawRow{}, fmt.Errorf("row parser panicked: %v", r))
		}
	}()

	for row, err := range rows {
		if err != nil {
			fail(row, err)
		} else if release, err := convertRow(row, key, p.mapper, now); err != nil {
			fail(row, err)
		} else {
			acc.Releases = append(acc.Releases, release)
		}
		index++
	}
}

// recoverRow builds one row, turning a panic into an error for that row so
// row parsers can keep iterating.
func recoverRow(build func() (RawRow, error)) (row RawRow, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("row parser panicked: %v", r)
		}
	}()
	return build()
}

func convertRow(row RawRow, key string, mapper *CategoryMapper, now time.Time) (release ReleaseInfo, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic converting row: %v", r)
		}
	}()
	return row.toRelease(key, mapper, now)
}

func filterByCategories(releases []ReleaseInfo, allowed map[int]struct{}) []ReleaseInfo {
	out := releases[:0]
	for _, r := range releases {
		for _, c := range r.Categories {
			if _, ok := allowed[c]; ok {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// filterByEpisode drops releases whose title names a different season or
// episode. Titles without recognisable numbering are kept.
func filterByEpisode(releases []ReleaseInfo, season int, episode string) []ReleaseInfo {
	wantEpisode, _ := strconv.Atoi(episode)
	out := releases[:0]
	for _, r := range releases {
		parsed := rls.ParseString(r.Title)
		if parsed.Series != 0 && parsed.Series != season {
			continue
		}
		if wantEpisode > 0 && parsed.Episode > 0 && parsed.Episode != wantEpisode {
			continue
		}
		out = append(out, r)
	}
	return out
}

func dedupeReleases(releases []ReleaseInfo) []ReleaseInfo {
	seen := make(map[string]struct{}, len(releases))
	out := releases[:0]
	for _, r := range releases {
		key := r.DedupKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

func paginate(releases []ReleaseInfo, offset, limit int) []ReleaseInfo {
	if offset > 0 {
		if offset >= len(releases) {
			return []ReleaseInfo{}
		}
		releases = releases[offset:]
	}
	if limit > 0 && limit < len(releases) {
		releases = releases[:limit]
	}
	return releases
}
