package indexer

import (
	"fmt"
	"sort"
	"strings"
)

// Standard Torznab category IDs.
const (
	CatConsole         = 1000
	CatConsoleNDS      = 1010
	CatConsolePSP      = 1020
	CatConsoleWii      = 1030
	CatConsoleXBox     = 1040
	CatConsoleXBox360  = 1050
	CatConsoleWiiware  = 1060
	CatConsoleXBox360D = 1070
	CatConsolePS3      = 1080
	CatConsoleOther    = 1090
	CatConsole3DS      = 1110
	CatConsolePSVita   = 1120
	CatConsoleWiiU     = 1130
	CatConsoleXBoxOne  = 1140
	CatConsolePS4      = 1180

	CatMovies        = 2000
	CatMoviesForeign = 2010
	CatMoviesOther   = 2020
	CatMoviesSD      = 2030
	CatMoviesHD      = 2040
	CatMoviesUHD     = 2045
	CatMoviesBluRay  = 2050
	CatMovies3D      = 2060
	CatMoviesDVD     = 2070
	CatMoviesWEBDL   = 2080

	CatAudio          = 3000
	CatAudioMP3       = 3010
	CatAudioVideo     = 3020
	CatAudioAudiobook = 3030
	CatAudioLossless  = 3040
	CatAudioOther     = 3050
	CatAudioForeign   = 3060

	CatPC              = 4000
	CatPC0day          = 4010
	CatPCISO           = 4020
	CatPCMac           = 4030
	CatPCMobileOther   = 4040
	CatPCGames         = 4050
	CatPCMobileIOS     = 4060
	CatPCMobileAndroid = 4070

	CatTV            = 5000
	CatTVWEBDL       = 5010
	CatTVForeign     = 5020
	CatTVSD          = 5030
	CatTVHD          = 5040
	CatTVUHD         = 5045
	CatTVOther       = 5050
	CatTVSport       = 5060
	CatTVAnime       = 5070
	CatTVDocumentary = 5080

	CatXXX       = 6000
	CatXXXDVD    = 6010
	CatXXXWMV    = 6020
	CatXXXXviD   = 6030
	CatXXXx264   = 6040
	CatXXXUHD    = 6045
	CatXXXPack   = 6050
	CatXXXImgSet = 6060
	CatXXXOther  = 6070
	CatXXXSD     = 6080
	CatXXXWEBDL  = 6090

	CatBooks          = 7000
	CatBooksMags      = 7010
	CatBooksEBook     = 7020
	CatBooksComics    = 7030
	CatBooksTechnical = 7040
	CatBooksOther     = 7050
	CatBooksForeign   = 7060

	CatOther       = 8000
	CatOtherMisc   = 8010
	CatOtherHashed = 8020
)

// Category is a node of the canonical taxonomy. ParentID is zero for roots.
type Category struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	ParentID int    `json:"parent_id,omitempty"`
}

// IsRoot reports whether the category has no parent.
func (c Category) IsRoot() bool {
	return c.ParentID == 0
}

// Taxonomy is an immutable forest of canonical categories. It is safe for
// concurrent use once constructed.
type Taxonomy struct {
	byID     map[int]Category
	byName   map[string]int
	children map[int][]int
	roots    []int
	fallback int
}

// NewTaxonomy validates the given categories and builds a taxonomy. The
// fallback ID is what unmapped native categories resolve to and must be part
// of the taxonomy.
func NewTaxonomy(fallback int, cats ...Category) (*Taxonomy, error) {
	t := &Taxonomy{
		byID:     make(map[int]Category, len(cats)),
		byName:   make(map[string]int, len(cats)),
		children: make(map[int][]int),
		fallback: fallback,
	}

	for _, c := range cats {
		if c.ID <= 0 {
			return nil, fmt.Errorf("category %q: id must be positive, got %d", c.Name, c.ID)
		}
		if _, dup := t.byID[c.ID]; dup {
			return nil, fmt.Errorf("duplicate category id %d", c.ID)
		}
		if c.ParentID == c.ID {
			return nil, fmt.Errorf("category %d is its own parent", c.ID)
		}
		t.byID[c.ID] = c
		t.byName[strings.ToLower(c.Name)] = c.ID
	}

	for _, c := range cats {
		if c.IsRoot() {
			t.roots = append(t.roots, c.ID)
			continue
		}
		if _, ok := t.byID[c.ParentID]; !ok {
			return nil, fmt.Errorf("category %d references unknown parent %d", c.ID, c.ParentID)
		}
		t.children[c.ParentID] = append(t.children[c.ParentID], c.ID)
	}

	// Walking up from every node must reach a root within len(cats) steps.
	for _, c := range cats {
		cur, steps := c, 0
		for !cur.IsRoot() {
			steps++
			if steps > len(cats) {
				return nil, fmt.Errorf("category %d is part of a parent cycle", c.ID)
			}
			cur = t.byID[cur.ParentID]
		}
	}

	if _, ok := t.byID[fallback]; !ok {
		return nil, fmt.Errorf("fallback category %d is not part of the taxonomy", fallback)
	}

	sort.Ints(t.roots)
	for id := range t.children {
		sort.Ints(t.children[id])
	}
	return t, nil
}

// MustNewTaxonomy is NewTaxonomy that panics on invalid input. Only meant for
// package-level tables.
func MustNewTaxonomy(fallback int, cats ...Category) *Taxonomy {
	t, err := NewTaxonomy(fallback, cats...)
	if err != nil {
		panic(err)
	}
	return t
}

// Get returns the category with the given ID.
func (t *Taxonomy) Get(id int) (Category, bool) {
	c, ok := t.byID[id]
	return c, ok
}

// ByName looks a category up by its full name ("Movies/HD"), case-insensitive.
func (t *Taxonomy) ByName(name string) (Category, bool) {
	id, ok := t.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Category{}, false
	}
	return t.byID[id], true
}

// Fallback returns the "Other" category used for unmapped native codes.
func (t *Taxonomy) Fallback() int {
	return t.fallback
}

// Parent returns the parent of id, if any.
func (t *Taxonomy) Parent(id int) (Category, bool) {
	c, ok := t.byID[id]
	if !ok || c.IsRoot() {
		return Category{}, false
	}
	return t.byID[c.ParentID], true
}

// Children returns the direct children of id in ascending order.
func (t *Taxonomy) Children(id int) []int {
	return append([]int(nil), t.children[id]...)
}

// Descendants returns every category below id, depth first.
func (t *Taxonomy) Descendants(id int) []int {
	var out []int
	var walk func(int)
	walk = func(n int) {
		for _, child := range t.children[n] {
			out = append(out, child)
			walk(child)
		}
	}
	walk(id)
	return out
}

// Roots returns the top-level category IDs in ascending order.
func (t *Taxonomy) Roots() []int {
	return append([]int(nil), t.roots...)
}

// All returns every category sorted by ID.
func (t *Taxonomy) All() []Category {
	out := make([]Category, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expand returns ids plus all of their descendants, deduplicated.
func (t *Taxonomy) Expand(ids []int) map[int]struct{} {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
		for _, d := range t.Descendants(id) {
			set[d] = struct{}{}
		}
	}
	return set
}

// StandardTaxonomy is the Torznab category tree shared by all site instances.
var StandardTaxonomy = MustNewTaxonomy(CatOther,
	Category{ID: CatConsole, Name: "Console"},
	Category{ID: CatConsoleNDS, Name: "Console/NDS", ParentID: CatConsole},
	Category{ID: CatConsolePSP, Name: "Console/PSP", ParentID: CatConsole},
	Category{ID: CatConsoleWii, Name: "Console/Wii", ParentID: CatConsole},
	Category{ID: CatConsoleXBox, Name: "Console/XBox", ParentID: CatConsole},
	Category{ID: CatConsoleXBox360, Name: "Console/XBox 360", ParentID: CatConsole},
	Category{ID: CatConsoleWiiware, Name: "Console/Wiiware", ParentID: CatConsole},
	Category{ID: CatConsoleXBox360D, Name: "Console/XBox 360 DLC", ParentID: CatConsole},
	Category{ID: CatConsolePS3, Name: "Console/PS3", ParentID: CatConsole},
	Category{ID: CatConsoleOther, Name: "Console/Other", ParentID: CatConsole},
	Category{ID: CatConsole3DS, Name: "Console/3DS", ParentID: CatConsole},
	Category{ID: CatConsolePSVita, Name: "Console/PS Vita", ParentID: CatConsole},
	Category{ID: CatConsoleWiiU, Name: "Console/WiiU", ParentID: CatConsole},
	Category{ID: CatConsoleXBoxOne, Name: "Console/XBox One", ParentID: CatConsole},
	Category{ID: CatConsolePS4, Name: "Console/PS4", ParentID: CatConsole},

	Category{ID: CatMovies, Name: "Movies"},
	Category{ID: CatMoviesForeign, Name: "Movies/Foreign", ParentID: CatMovies},
	Category{ID: CatMoviesOther, Name: "Movies/Other", ParentID: CatMovies},
	Category{ID: CatMoviesSD, Name: "Movies/SD", ParentID: CatMovies},
	Category{ID: CatMoviesHD, Name: "Movies/HD", ParentID: CatMovies},
	Category{ID: CatMoviesUHD, Name: "Movies/UHD", ParentID: CatMovies},
	Category{ID: CatMoviesBluRay, Name: "Movies/BluRay", ParentID: CatMovies},
	Category{ID: CatMovies3D, Name: "Movies/3D", ParentID: CatMovies},
	Category{ID: CatMoviesDVD, Name: "Movies/DVD", ParentID: CatMovies},
	Category{ID: CatMoviesWEBDL, Name: "Movies/WEB-DL", ParentID: CatMovies},

	Category{ID: CatAudio, Name: "Audio"},
	Category{ID: CatAudioMP3, Name: "Audio/MP3", ParentID: CatAudio},
	Category{ID: CatAudioVideo, Name: "Audio/Video", ParentID: CatAudio},
	Category{ID: CatAudioAudiobook, Name: "Audio/Audiobook", ParentID: CatAudio},
	Category{ID: CatAudioLossless, Name: "Audio/Lossless", ParentID: CatAudio},
	Category{ID: CatAudioOther, Name: "Audio/Other", ParentID: CatAudio},
	Category{ID: CatAudioForeign, Name: "Audio/Foreign", ParentID: CatAudio},

	Category{ID: CatPC, Name: "PC"},
	Category{ID: CatPC0day, Name: "PC/0day", ParentID: CatPC},
	Category{ID: CatPCISO, Name: "PC/ISO", ParentID: CatPC},
	Category{ID: CatPCMac, Name: "PC/Mac", ParentID: CatPC},
	Category{ID: CatPCMobileOther, Name: "PC/Mobile-Other", ParentID: CatPC},
	Category{ID: CatPCGames, Name: "PC/Games", ParentID: CatPC},
	Category{ID: CatPCMobileIOS, Name: "PC/Mobile-iOS", ParentID: CatPC},
	Category{ID: CatPCMobileAndroid, Name: "PC/Mobile-Android", ParentID: CatPC},

	Category{ID: CatTV, Name: "TV"},
	Category{ID: CatTVWEBDL, Name: "TV/WEB-DL", ParentID: CatTV},
	Category{ID: CatTVForeign, Name: "TV/Foreign", ParentID: CatTV},
	Category{ID: CatTVSD, Name: "TV/SD", ParentID: CatTV},
	Category{ID: CatTVHD, Name: "TV/HD", ParentID: CatTV},
	Category{ID: CatTVUHD, Name: "TV/UHD", ParentID: CatTV},
	Category{ID: CatTVOther, Name: "TV/Other", ParentID: CatTV},
	Category{ID: CatTVSport, Name: "TV/Sport", ParentID: CatTV},
	Category{ID: CatTVAnime, Name: "TV/Anime", ParentID: CatTV},
	Category{ID: CatTVDocumentary, Name: "TV/Documentary", ParentID: CatTV},

	Category{ID: CatXXX, Name: "XXX"},
	Category{ID: CatXXXDVD, Name: "XXX/DVD", ParentID: CatXXX},
	Category{ID: CatXXXWMV, Name: "XXX/WMV", ParentID: CatXXX},
	Category{ID: CatXXXXviD, Name: "XXX/XviD", ParentID: CatXXX},
	Category{ID: CatXXXx264, Name: "XXX/x264", ParentID: CatXXX},
	Category{ID: CatXXXUHD, Name: "XXX/UHD", ParentID: CatXXX},
	Category{ID: CatXXXPack, Name: "XXX/Pack", ParentID: CatXXX},
	Category{ID: CatXXXImgSet, Name: "XXX/ImageSet", ParentID: CatXXX},
	Category{ID: CatXXXOther, Name: "XXX/Other", ParentID: CatXXX},
	Category{ID: CatXXXSD, Name: "XXX/SD", ParentID: CatXXX},
	Category{ID: CatXXXWEBDL, Name: "XXX/WEB-DL", ParentID: CatXXX},

	Category{ID: CatBooks, Name: "Books"},
	Category{ID: CatBooksMags, Name: "Books/Mags", ParentID: CatBooks},
	Category{ID: CatBooksEBook, Name: "Books/EBook", ParentID: CatBooks},
	Category{ID: CatBooksComics, Name: "Books/Comics", ParentID: CatBooks},
	Category{ID: CatBooksTechnical, Name: "Books/Technical", ParentID: CatBooks},
	Category{ID: CatBooksOther, Name: "Books/Other", ParentID: CatBooks},
	Category{ID: CatBooksForeign, Name: "Books/Foreign", ParentID: CatBooks},

	Category{ID: CatOther, Name: "Other"},
	Category{ID: CatOtherMisc, Name: "Other/Misc", ParentID: CatOther},
	Category{ID: CatOtherHashed, Name: "Other/Hashed", ParentID: CatOther},
)
