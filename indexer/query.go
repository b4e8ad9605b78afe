package indexer

import (
	"fmt"
	"strconv"
	"strings"
)

// SearchType is the Torznab search function a query came from.
type SearchType string

const (
	SearchTypeGeneric SearchType = "search"
	SearchTypeTV      SearchType = "tvsearch"
	SearchTypeMovie   SearchType = "movie"
)

// ParseSearchType maps the Torznab "t" parameter to a SearchType.
func ParseSearchType(t string) (SearchType, bool) {
	switch strings.ToLower(t) {
	case "search", "":
		return SearchTypeGeneric, true
	case "tvsearch", "tv-search":
		return SearchTypeTV, true
	case "movie", "movie-search":
		return SearchTypeMovie, true
	default:
		return "", false
	}
}

// TorznabQuery is one logical search as received from a Torznab client. It is
// treated as read-only once constructed.
type TorznabQuery struct {
	Type       SearchType `json:"type"`
	Query      string     `json:"q"`
	Categories []int      `json:"cat,omitempty"`
	Season     int        `json:"season,omitempty"`
	Episode    string     `json:"ep,omitempty"`
	IMDBID     string     `json:"imdbid,omitempty"`
	Offset     int        `json:"offset,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// IsTVSearch reports whether season/episode parameters apply.
func (q *TorznabQuery) IsTVSearch() bool {
	return q.Type == SearchTypeTV
}

// EpisodeToken returns "S01E02", "S01" or "" depending on which of season and
// episode are set.
func (q *TorznabQuery) EpisodeToken() string {
	if q.Season <= 0 {
		return ""
	}
	if q.Episode == "" {
		return fmt.Sprintf("S%02d", q.Season)
	}
	if n, err := strconv.Atoi(q.Episode); err == nil {
		return fmt.Sprintf("S%02dE%02d", q.Season, n)
	}
	return fmt.Sprintf("S%02dE%s", q.Season, q.Episode)
}

// SearchTerm returns the free text sent to sites, with the episode token
// appended for tv searches.
func (q *TorznabQuery) SearchTerm() string {
	term := strings.TrimSpace(q.Query)
	if !q.IsTVSearch() {
		return term
	}
	if tok := q.EpisodeToken(); tok != "" {
		return strings.TrimSpace(term + " " + tok)
	}
	return term
}

// IsTest reports whether the query is an empty "latest releases" request.
func (q *TorznabQuery) IsTest() bool {
	return strings.TrimSpace(q.Query) == "" && q.IMDBID == "" && q.Season == 0
}

// ParseCategoryList parses a Torznab "cat" parameter ("2000,5040").
// Non-numeric entries are ignored.
func ParseCategoryList(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}
