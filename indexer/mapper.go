package indexer

import (
	"slices"
	"sort"
	"strings"
)

// CategoryMapping maps an indexer's category code to a standard Torznab category.
type CategoryMapping struct {
	IndexerCategory string `yaml:"indexer_cat" json:"indexer_cat"`
	TorznabCategory int    `yaml:"torznab_cat" json:"torznab_cat"`
	Description     string `yaml:"desc,omitempty" json:"desc,omitempty"`
}

// CategoryMapper translates between one site's native category codes and the
// canonical taxonomy. Registration happens while the site instance is being
// built and is not safe for concurrent use; lookups are read-only afterwards.
type CategoryMapper struct {
	taxonomy    *Taxonomy
	mappings    []CategoryMapping
	byCode      map[string][]int
	byCanonical map[int][]string
}

// NewCategoryMapper creates an empty mapper over the given taxonomy. A nil
// taxonomy selects StandardTaxonomy.
func NewCategoryMapper(t *Taxonomy) *CategoryMapper {
	if t == nil {
		t = StandardTaxonomy
	}
	return &CategoryMapper{
		taxonomy:    t,
		byCode:      make(map[string][]int),
		byCanonical: make(map[int][]string),
	}
}

// Taxonomy returns the taxonomy the mapper resolves against.
func (m *CategoryMapper) Taxonomy() *Taxonomy {
	return m.taxonomy
}

// AddCategoryMapping registers siteCode as satisfying canonicalID. Repeated
// calls are additive.
func (m *CategoryMapper) AddCategoryMapping(siteCode string, canonicalID int, desc string) {
	siteCode = strings.TrimSpace(siteCode)
	m.mappings = append(m.mappings, CategoryMapping{
		IndexerCategory: siteCode,
		TorznabCategory: canonicalID,
		Description:     desc,
	})

	key := normalizeSiteCode(siteCode)
	if !slices.Contains(m.byCode[key], canonicalID) {
		m.byCode[key] = append(m.byCode[key], canonicalID)
	}
	// The first spelling registered for a code is the one requested.
	if !slices.ContainsFunc(m.byCanonical[canonicalID], func(c string) bool { return normalizeSiteCode(c) == key }) {
		m.byCanonical[canonicalID] = append(m.byCanonical[canonicalID], siteCode)
	}
}

// AddMultiCategoryMapping registers several site codes for one canonical category.
func (m *CategoryMapper) AddMultiCategoryMapping(canonicalID int, siteCodes ...string) {
	for _, code := range siteCodes {
		m.AddCategoryMapping(code, canonicalID, "")
	}
}

// MapToCanonical returns every canonical category registered for siteCode.
// Unknown codes resolve to the taxonomy fallback so the release is kept.
func (m *CategoryMapper) MapToCanonical(siteCode string) []int {
	ids := m.byCode[normalizeSiteCode(siteCode)]
	if len(ids) == 0 {
		return []int{m.taxonomy.Fallback()}
	}
	return append([]int(nil), ids...)
}

// MapAllToCanonical maps a list of native codes and merges the results,
// preserving first-seen order. An empty list yields the fallback.
func (m *CategoryMapper) MapAllToCanonical(siteCodes []string) []int {
	if len(siteCodes) == 0 {
		return []int{m.taxonomy.Fallback()}
	}
	var out []int
	for _, code := range siteCodes {
		for _, id := range m.MapToCanonical(code) {
			if !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	return out
}

// MapToNative returns the site codes to request for the given canonical
// categories. With expandChildren set, codes mapped to descendants of a
// requested category are included too. The result is deduplicated and keeps
// first-seen order. When it has more than one entry the caller must filter
// results client-side, since not every site can search several categories at
// once.
func (m *CategoryMapper) MapToNative(requested []int, expandChildren bool) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(id int) {
		for _, code := range m.byCanonical[id] {
			key := normalizeSiteCode(code)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, code)
		}
	}

	for _, id := range requested {
		add(id)
		if !expandChildren {
			continue
		}
		for _, child := range m.taxonomy.Descendants(id) {
			add(child)
		}
	}
	return out
}

// Categories returns the canonical categories this site can produce: every
// registered ID plus its ancestors, ascending.
func (m *CategoryMapper) Categories() []int {
	set := make(map[int]struct{})
	for id := range m.byCanonical {
		set[id] = struct{}{}
		for p, ok := m.taxonomy.Parent(id); ok; p, ok = m.taxonomy.Parent(p.ID) {
			set[p.ID] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Mappings returns the registered entries in registration order.
func (m *CategoryMapper) Mappings() []CategoryMapping {
	return append([]CategoryMapping(nil), m.mappings...)
}

func normalizeSiteCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
