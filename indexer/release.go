package indexer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ReleaseInfo is one canonical search result.
type ReleaseInfo struct {
	Indexer              string    `json:"indexer"`
	Title                string    `json:"title"`
	Categories           []int     `json:"categories"`
	Link                 string    `json:"link"`
	GUID                 string    `json:"guid"`
	Comments             string    `json:"comments,omitempty"`
	PublishDate          time.Time `json:"publish_date"`
	Size                 int64     `json:"size"`
	Seeders              int       `json:"seeders"`
	Peers                int       `json:"peers"`
	Grabs                int       `json:"grabs,omitempty"`
	MinimumRatio         float64   `json:"minimum_ratio,omitempty"`
	MinimumSeedTime      int64     `json:"minimum_seed_time,omitempty"`
	DownloadVolumeFactor float64   `json:"download_volume_factor"`
	UploadVolumeFactor   float64   `json:"upload_volume_factor"`
	Description          string    `json:"description,omitempty"`
}

// DedupKey is the key releases from one indexer are deduplicated by: the guid,
// falling back to the download link.
func (r *ReleaseInfo) DedupKey() string {
	if key := strings.TrimSpace(r.GUID); key != "" {
		return key
	}
	return r.Link
}

// RawRow is a result row as extracted by a site's parser, before any value
// conversion. Categories holds native category codes.
type RawRow struct {
	Title                string   `json:"title"`
	Categories           []string `json:"categories,omitempty"`
	Link                 string   `json:"link"`
	GUID                 string   `json:"guid,omitempty"`
	Comments             string   `json:"comments,omitempty"`
	PublishDate          string   `json:"publish_date,omitempty"`
	Size                 string   `json:"size,omitempty"`
	Seeders              string   `json:"seeders,omitempty"`
	Leechers             string   `json:"leechers,omitempty"`
	Peers                string   `json:"peers,omitempty"`
	Grabs                string   `json:"grabs,omitempty"`
	MinimumRatio         string   `json:"minimum_ratio,omitempty"`
	MinimumSeedTime      string   `json:"minimum_seed_time,omitempty"`
	DownloadVolumeFactor string   `json:"download_volume_factor,omitempty"`
	UploadVolumeFactor   string   `json:"upload_volume_factor,omitempty"`
	Description          string   `json:"description,omitempty"`
}

var (
	errMissingTitle = errors.New("missing title")
	errMissingLink  = errors.New("missing download link")
)

// toRelease converts a raw row. Every parse problem is returned as an error
// so the caller can skip just this row.
func (row RawRow) toRelease(indexerKey string, mapper *CategoryMapper, now time.Time) (ReleaseInfo, error) {
	r := ReleaseInfo{
		Indexer:     indexerKey,
		Title:       strings.TrimSpace(row.Title),
		Link:        strings.TrimSpace(row.Link),
		GUID:        strings.TrimSpace(row.GUID),
		Comments:    strings.TrimSpace(row.Comments),
		Description: strings.TrimSpace(row.Description),
	}
	if r.Title == "" {
		return r, errMissingTitle
	}
	if r.Link == "" {
		return r, errMissingLink
	}
	if r.GUID == "" {
		r.GUID = r.Link
	}

	r.Categories = mapper.MapAllToCanonical(row.Categories)

	var err error
	if r.Size, err = parseSize(row.Size); err != nil {
		return r, fmt.Errorf("size: %w", err)
	}

	r.PublishDate = now
	if s := strings.TrimSpace(row.PublishDate); s != "" {
		if r.PublishDate, err = parseFuzzyDate(s, now); err != nil {
			return r, fmt.Errorf("publish date: %w", err)
		}
	}

	if r.Seeders, err = parseCount(row.Seeders); err != nil {
		return r, fmt.Errorf("seeders: %w", err)
	}
	leechers, err := parseCount(row.Leechers)
	if err != nil {
		return r, fmt.Errorf("leechers: %w", err)
	}
	if strings.TrimSpace(row.Peers) != "" {
		if r.Peers, err = parseCount(row.Peers); err != nil {
			return r, fmt.Errorf("peers: %w", err)
		}
	} else {
		r.Peers = r.Seeders + leechers
	}
	if r.Grabs, err = parseCount(row.Grabs); err != nil {
		return r, fmt.Errorf("grabs: %w", err)
	}

	if r.MinimumRatio, err = parseFloat(row.MinimumRatio, 0); err != nil {
		return r, fmt.Errorf("minimum ratio: %w", err)
	}
	seedTime, err := parseFloat(row.MinimumSeedTime, 0)
	if err != nil {
		return r, fmt.Errorf("minimum seed time: %w", err)
	}
	r.MinimumSeedTime = int64(seedTime)
	if r.DownloadVolumeFactor, err = parseFloat(row.DownloadVolumeFactor, 1); err != nil {
		return r, fmt.Errorf("download volume factor: %w", err)
	}
	if r.UploadVolumeFactor, err = parseFloat(row.UploadVolumeFactor, 1); err != nil {
		return r, fmt.Errorf("upload volume factor: %w", err)
	}
	return r, nil
}

func parseCount(s string) (int, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" || s == "-" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return n, nil
}

func parseFloat(s string, fallback float64) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return f, nil
}
