package images

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

const (
	// HighResSide is the alicdn size marker requested when upgrading.
	HighResSide = 960
	// indiaMartHighRes is the largest rendition IndiaMART serves by path substitution.
	indiaMartHighRes = 500
	// thumbnailSide is the marked side below which an entry counts as a thumbnail.
	thumbnailSide = 400
)

var (
	alicdnSize    = regexp.MustCompile(`_(\d{2,4})x(\d{2,4})`)
	indiaMartSize = regexp.MustCompile(`-(\d{2,4})x(\d{2,4})\.`)
)

// Resolver selects the best image for a listing from its detail payload. It never
// touches the network.
type Resolver struct {
	Predicate Predicate
}

// NewResolver returns a Resolver using p.
func NewResolver(p Predicate) Resolver {
	return Resolver{Predicate: p}
}

// Resolve returns the best candidate image URL, or "" when the payload has none.
func (r Resolver) Resolve(d listing.Detail) string {
	candidates := r.Candidates(d)
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0]
}

// Candidates returns every usable URL in priority order without duplicates:
// the hero image, gallery and fallback entries that pass the predicate, upgraded
// medium entries that pass, any non-thumbnail entry, and finally the first entry.
// Callers that download can walk the list until one succeeds.
func (r Resolver) Candidates(d listing.Detail) []string {
	entries := make([]string, 0, len(d.Gallery)+len(d.Fallback))
	for _, raw := range append(append([]string{}, d.Gallery...), d.Fallback...) {
		if u := Normalize(raw); u != "" {
			entries = append(entries, u)
		}
	}

	var out []string
	seen := make(map[string]struct{})
	add := func(u string) {
		if u == "" {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	if hero := Normalize(d.HeroImage); hero != "" && !r.Predicate.IsBad(hero) {
		add(hero)
	}
	for _, u := range entries {
		if !r.Predicate.IsBad(u) {
			add(u)
		}
	}
	for _, u := range entries {
		if up := Upgrade(u); up != u && !r.Predicate.IsBad(up) {
			add(up)
		}
	}
	for _, u := range entries {
		if !IsThumbnail(u) {
			add(u)
		}
	}
	if len(entries) > 0 {
		add(entries[0])
	}
	return out
}

// Normalize makes rawURL absolute HTTPS. Protocol-relative URLs gain https:, plain
// http alicdn URLs are promoted, and empty or data: URIs normalize to "".
func Normalize(rawURL string) string {
	u := strings.TrimSpace(rawURL)
	switch {
	case u == "":
		return ""
	case strings.HasPrefix(strings.ToLower(u), "data:"):
		return ""
	case strings.HasPrefix(u, "//"):
		return "https:" + u
	case strings.HasPrefix(u, "http://") && strings.Contains(hostOf(u), "alicdn.com"):
		return "https://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}

// Upgrade rewrites a medium-resolution size marker to its high-resolution form and
// leaves every other part of the URL unchanged. URLs without a marker, or already at
// full size, are returned as is.
func Upgrade(rawURL string) string {
	if loc := lastMatch(alicdnSize, rawURL); loc != nil {
		if markedSide(rawURL, loc) < HighResSide {
			return rawURL[:loc[0]] + "_" + sizeString(HighResSide) + rawURL[loc[1]:]
		}
		return rawURL
	}
	if loc := lastMatch(indiaMartSize, rawURL); loc != nil {
		if markedSide(rawURL, loc) < indiaMartHighRes {
			return rawURL[:loc[0]] + "-" + sizeString(indiaMartHighRes) + "." + rawURL[loc[1]:]
		}
	}
	return rawURL
}

// IsThumbnail reports whether rawURL carries a size marker below the thumbnail bound.
func IsThumbnail(rawURL string) bool {
	side, ok := smallestMarkedSide(lowerPath(rawURL))
	return ok && side < thumbnailSide
}

func lastMatch(re *regexp.Regexp, s string) []int {
	all := re.FindAllStringSubmatchIndex(s, -1)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func markedSide(s string, loc []int) int {
	w, _ := strconv.Atoi(s[loc[2]:loc[3]])
	h, _ := strconv.Atoi(s[loc[4]:loc[5]])
	return max(w, h)
}

func sizeString(side int) string {
	n := strconv.Itoa(side)
	return n + "x" + n
}

func hostOf(u string) string {
	rest := u
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}
