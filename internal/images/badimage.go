// Package images holds the pure image-selection logic: the bad-image predicate and the
// resolver that picks the best candidate from a listing's detail payload.
package images

import (
	"bytes"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/coderfong/moq-pools-ingest/internal/hash/sha256"
)

// Defaults applied by NewPredicate when a threshold is not positive.
const (
	DefaultMinPixels = 200
	DefaultMinBytes  = 2000
)

// transparentGIF is the 1x1 spacer marketplaces serve in place of lazy-loaded images.
var transparentGIF = []byte("GIF89a\x01\x00\x01\x00\x80\x00\x00\x00\x00\x00\xff\xff\xff\x21\xf9\x04\x01\x00\x00\x00\x00\x2c\x00\x00\x00\x00\x01\x00\x01\x00\x00\x02\x02\x44\x01\x00\x3b")

// DefaultBadHashes returns the built-in content blocklist (hex sha256 of the bytes).
func DefaultBadHashes() map[string]struct{} {
	return map[string]struct{}{
		sha256.Sum(transparentGIF): {},
	}
}

var badNameTokens = map[string]struct{}{
	"sprite": {}, "logo": {}, "badge": {}, "watermark": {}, "favicon": {}, "icon": {},
	"placeholder": {}, "loading": {}, "spacer": {}, "blank": {}, "qrcode": {}, "avatar": {},
}

var badExtensions = map[string]struct{}{
	".svg": {}, ".ico": {},
}

var (
	nameSplitter = regexp.MustCompile(`[^a-z]+`)
	// _80x80, -50x50. and /100x100/ style markers.
	sizeMarker = regexp.MustCompile(`[_/-](\d{2,4})x(\d{2,4})(?:[./_q-]|$)`)
	// tps-102-102 markers used by alicdn UI assets.
	tpsMarker = regexp.MustCompile(`tps-(\d{1,4})-(\d{1,4})`)
)

// Predicate decides whether an image is a UI element rather than product content.
type Predicate struct {
	MinPixels int
	MinBytes  int
	BadHashes map[string]struct{}
}

// NewPredicate returns a Predicate seeded with DefaultBadHashes plus extra hex digests.
func NewPredicate(minPixels, minBytes int, extraHashes ...string) Predicate {
	if minPixels <= 0 {
		minPixels = DefaultMinPixels
	}
	if minBytes <= 0 {
		minBytes = DefaultMinBytes
	}
	hashes := DefaultBadHashes()
	for _, h := range extraHashes {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hashes[h] = struct{}{}
		}
	}
	return Predicate{MinPixels: minPixels, MinBytes: minBytes, BadHashes: hashes}
}

// IsBad reports whether rawURL looks like a sprite, logo, badge, or tiny thumbnail.
// An empty URL is bad.
func (p Predicate) IsBad(rawURL string) bool {
	lp := lowerPath(rawURL)
	if lp == "" {
		return true
	}
	if _, bad := badExtensions[path.Ext(lp)]; bad {
		return true
	}
	for _, tok := range nameSplitter.Split(lp, -1) {
		if _, bad := badNameTokens[tok]; bad {
			return true
		}
		if _, bad := badNameTokens[strings.TrimSuffix(tok, "s")]; bad {
			return true
		}
	}
	if side, ok := smallestMarkedSide(lp); ok && p.MinPixels > 0 && side < p.MinPixels {
		return true
	}
	return false
}

// IsBadContent applies IsBad and then the byte-level checks: size floor, hash blocklist
// and inline SVG payloads.
func (p Predicate) IsBadContent(rawURL string, data []byte) bool {
	if p.IsBad(rawURL) {
		return true
	}
	if len(data) < p.MinBytes {
		return true
	}
	if _, bad := p.BadHashes[sha256.Sum(data)]; bad {
		return true
	}
	head := bytes.TrimSpace(data[:min(len(data), 256)])
	return bytes.HasPrefix(head, []byte("<svg")) || bytes.HasPrefix(head, []byte("<?xml"))
}

// smallestMarkedSide returns the larger side of the smallest dimension marker in p.
func smallestMarkedSide(p string) (int, bool) {
	best, found := 0, false
	consider := func(w, h string) {
		wi, errW := strconv.Atoi(w)
		hi, errH := strconv.Atoi(h)
		if errW != nil || errH != nil {
			return
		}
		side := max(wi, hi)
		if !found || side < best {
			best, found = side, true
		}
	}
	for _, m := range sizeMarker.FindAllStringSubmatch(p, -1) {
		consider(m[1], m[2])
	}
	for _, m := range tpsMarker.FindAllStringSubmatch(p, -1) {
		consider(m[1], m[2])
	}
	return best, found
}

// lowerPath returns the lowercased path component of rawURL, ignoring host and query.
func lowerPath(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		if i := strings.IndexAny(raw, "?#"); i >= 0 {
			raw = raw[:i]
		}
		return strings.ToLower(raw)
	}
	return strings.ToLower(u.Path)
}
