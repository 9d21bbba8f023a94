// Package detector decides when a static marketplace fetch should be retried in
// headless Chrome.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/coderfong/moq-pools-ingest/internal/extract"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

// Reason explains an escalation decision.
type Reason string

// Escalation reasons, in the order they are checked.
const (
	ReasonNone       Reason = ""
	ReasonJSShell    Reason = "js_shell"
	ReasonParseMiss  Reason = "parse_miss"
	ReasonLowDensity Reason = "low_density"
)

// Heuristic implements rule-based promotion to headless rendering.
type Heuristic struct {
	// BodyLengthThreshold is the size below which a script-heavy body counts as a shell.
	BodyLengthThreshold int
	// DensityThreshold is the listing count below which a page is considered underfilled.
	DensityThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(bodyThreshold, densityThreshold int) *Heuristic {
	if bodyThreshold <= 0 {
		bodyThreshold = 4096
	}
	if densityThreshold < 0 {
		densityThreshold = 0
	}
	return &Heuristic{BodyLengthThreshold: bodyThreshold, DensityThreshold: densityThreshold}
}

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("window.__INIT_DATA"),
	[]byte("please enable javascript"),
}

// ShouldEscalate reports whether the static response should be re-fetched headless,
// given what the extractor made of it. Non-200 responses never escalate; they are
// ordinary fetch failures.
func (h *Heuristic) ShouldEscalate(resp listing.FetchResponse, res extract.Result) (bool, Reason) {
	if resp.StatusCode != http.StatusOK {
		return false, ReasonNone
	}
	if len(res.Listings) == 0 && h.LooksLikeShell(resp.Body) {
		return true, ReasonJSShell
	}
	if !res.ContainerFound {
		return true, ReasonParseMiss
	}
	if len(res.Listings) < h.DensityThreshold {
		return true, ReasonLowDensity
	}
	return false, ReasonNone
}

// LooksLikeShell reports whether body is a client-rendered page with no server markup.
func (h *Heuristic) LooksLikeShell(body []byte) bool {
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	lower := bytes.ToLower(body)
	for _, marker := range shellMarkers {
		if bytes.Contains(lower, bytes.ToLower(marker)) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether script elements cover a quarter or more of body.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := total
		if gt := strings.IndexByte(lower[start:], '>'); gt != -1 {
			content := start + gt + 1
			if c := strings.Index(lower[content:], closeTag); c != -1 {
				end = content + c + len(closeTag)
			}
		}
		covered += end - start
		pos = end
		if pos >= total {
			break
		}
	}
	return covered*100/total >= 25
}
