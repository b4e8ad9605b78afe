package api

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"scarf/indexer"
)

const torznabNamespace = "http://torznab.com/schemas/2012/xmlns"

// Torznab error codes.
const (
	errCodeIncorrectCredentials = 100
	errCodeMissingParameter     = 200
	errCodeUnsupportedFunction  = 202
	errCodeNoSuchItem           = 300
	errCodeUnknown              = 900
)

// Torznab specific attribute
type TorznabAttr struct {
	XMLName xml.Name `xml:"torznab:attr"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// Enclosure is used for the torrent link
type Enclosure struct {
	XMLName xml.Name `xml:"enclosure"`
	URL     string   `xml:"url,attr"`
	Length  int64    `xml:"length,attr"`
	Type    string   `xml:"type,attr"`
}

// GUID is the item's permanent identifier.
type GUID struct {
	Value       string `xml:",chardata"`
	IsPermaLink bool   `xml:"isPermaLink,attr"`
}

// Item represents a single release in the feed
type Item struct {
	XMLName     xml.Name      `xml:"item"`
	Title       string        `xml:"title"`
	GUID        GUID          `xml:"guid"`
	Link        string        `xml:"link"`
	Comments    string        `xml:"comments,omitempty"`
	PublishDate string        `xml:"pubDate"`
	Size        int64         `xml:"size"`
	Description string        `xml:"description,omitempty"`
	Categories  []int         `xml:"category"`
	Enclosure   Enclosure     `xml:"enclosure"`
	Attrs       []TorznabAttr `xml:"torznab:attr"`
}

// Channel contains the list of items
type Channel struct {
	XMLName     xml.Name `xml:"channel"`
	Title       string   `xml:"title"`
	Description string   `xml:"description"`
	Language    string   `xml:"language"`
	Items       []Item   `xml:"item"`
}

// RSSFeed is the root element of the Torznab response
type RSSFeed struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	XMLNS   string   `xml:"xmlns:torznab,attr"`
	Channel Channel  `xml:"channel"`
}

// TorznabError is the document returned instead of a feed on failure.
type TorznabError struct {
	XMLName     xml.Name `xml:"error"`
	Code        int      `xml:"code,attr"`
	Description string   `xml:"description,attr"`
}

type TorznabServer struct {
	XMLName xml.Name `xml:"server"`
	Title   string   `xml:"title,attr"`
}

type TorznabLimits struct {
	XMLName xml.Name `xml:"limits"`
	Max     int      `xml:"max,attr"`
	Default int      `xml:"default,attr"`
}

type TorznabSearchType struct {
	Available       string `xml:"available,attr"`
	SupportedParams string `xml:"supportedParams,attr"`
}

type TorznabSearching struct {
	XMLName     xml.Name          `xml:"searching"`
	Search      TorznabSearchType `xml:"search"`
	TvSearch    TorznabSearchType `xml:"tv-search"`
	MovieSearch TorznabSearchType `xml:"movie-search"`
}

// TorznabSubCategory represents a <subcat> element.
type TorznabSubCategory struct {
	XMLName xml.Name `xml:"subcat"`
	ID      string   `xml:"id,attr"`
	Name    string   `xml:"name,attr"`
}

// TorznabParentCategory represents a <category> element which can contain subcategories.
type TorznabParentCategory struct {
	XMLName xml.Name             `xml:"category"`
	ID      string               `xml:"id,attr"`
	Name    string               `xml:"name,attr"`
	Subcat  []TorznabSubCategory `xml:"subcat,omitempty"`
}

// TorznabCategories is the root <categories> element.
type TorznabCategories struct {
	XMLName    xml.Name                `xml:"categories"`
	Categories []TorznabParentCategory `xml:"category"`
}

type TorznabCaps struct {
	XMLName    xml.Name          `xml:"caps"`
	Server     TorznabServer     `xml:"server"`
	Limits     TorznabLimits     `xml:"limits"`
	Searching  TorznabSearching  `xml:"searching"`
	Categories TorznabCategories `xml:"categories"`
}

// NewRSSFeed creates a new feed structure
func NewRSSFeed(title, description, language string) *RSSFeed {
	if language == "" {
		language = "en-US"
	}
	return &RSSFeed{
		Version: "2.0",
		XMLNS:   torznabNamespace,
		Channel: Channel{
			Title:       title,
			Description: description,
			Language:    language,
			Items:       []Item{},
		},
	}
}

// AddReleases appends one item per release.
func (f *RSSFeed) AddReleases(releases []indexer.ReleaseInfo) {
	for _, r := range releases {
		f.Channel.Items = append(f.Channel.Items, newItem(r))
	}
}

func newItem(r indexer.ReleaseInfo) Item {
	attrs := []TorznabAttr{
		{Name: "seeders", Value: strconv.Itoa(r.Seeders)},
		{Name: "peers", Value: strconv.Itoa(r.Peers)},
		{Name: "leechers", Value: strconv.Itoa(max(r.Peers-r.Seeders, 0))},
		{Name: "size", Value: strconv.FormatInt(r.Size, 10)},
		{Name: "downloadvolumefactor", Value: formatFloat(r.DownloadVolumeFactor)},
		{Name: "uploadvolumefactor", Value: formatFloat(r.UploadVolumeFactor)},
	}
	for _, c := range r.Categories {
		attrs = append(attrs, TorznabAttr{Name: "category", Value: strconv.Itoa(c)})
	}
	if r.Grabs > 0 {
		attrs = append(attrs, TorznabAttr{Name: "grabs", Value: strconv.Itoa(r.Grabs)})
	}
	if r.MinimumRatio > 0 {
		attrs = append(attrs, TorznabAttr{Name: "minimumratio", Value: formatFloat(r.MinimumRatio)})
	}
	if r.MinimumSeedTime > 0 {
		attrs = append(attrs, TorznabAttr{Name: "minimumseedtime", Value: strconv.FormatInt(r.MinimumSeedTime, 10)})
	}

	return Item{
		Title:       r.Title,
		GUID:        GUID{Value: r.GUID, IsPermaLink: strings.HasPrefix(r.GUID, "http")},
		Link:        r.Link,
		Comments:    r.Comments,
		PublishDate: r.PublishDate.Format(time.RFC1123Z),
		Size:        r.Size,
		Description: r.Description,
		Categories:  r.Categories,
		Enclosure: Enclosure{
			URL:    r.Link,
			Length: r.Size,
			Type:   "application/x-bittorrent",
		},
		Attrs: attrs,
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// NewCaps builds the capabilities document of an indexer (or of all of them)
// from the canonical categories it supports.
func NewCaps(title string, categories []int, caps indexer.Capabilities, taxonomy *indexer.Taxonomy, limit int) *TorznabCaps {
	tvParams := "q,cat,season,ep"
	movieParams := "q,cat"
	if caps.IMDBSearch {
		movieParams += ",imdbid"
	}
	return &TorznabCaps{
		Server: TorznabServer{Title: title},
		Limits: TorznabLimits{Max: max(limit, 100), Default: limit},
		Searching: TorznabSearching{
			Search:      TorznabSearchType{Available: "yes", SupportedParams: "q,cat"},
			TvSearch:    TorznabSearchType{Available: "yes", SupportedParams: tvParams},
			MovieSearch: TorznabSearchType{Available: "yes", SupportedParams: movieParams},
		},
		Categories: TorznabCategories{Categories: categoryTree(categories, taxonomy)},
	}
}

// categoryTree groups ids under their root categories, in ascending order.
func categoryTree(ids []int, taxonomy *indexer.Taxonomy) []TorznabParentCategory {
	wanted := make(map[int]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	var out []TorznabParentCategory
	for _, rootID := range taxonomy.Roots() {
		root, _ := taxonomy.Get(rootID)
		parent := TorznabParentCategory{ID: strconv.Itoa(root.ID), Name: root.Name}
		include := wanted[root.ID]
		for _, childID := range taxonomy.Descendants(root.ID) {
			if !wanted[childID] {
				continue
			}
			child, _ := taxonomy.Get(childID)
			include = true
			parent.Subcat = append(parent.Subcat, TorznabSubCategory{
				ID:   strconv.Itoa(child.ID),
				Name: strings.TrimPrefix(child.Name, root.Name+"/"),
			})
		}
		if include {
			out = append(out, parent)
		}
	}
	return out
}
