// Package quality classifies scraped titles and derives canonical dedupe keys.
//
// Classification is pure: no I/O, no shared state, so it can run in tight per-item
// filtering loops.
package quality

import "strings"

// Rejection reasons reported in Result.Reason.
const (
	ReasonTooFewInformative = "too_few_informative"
	ReasonAccessory         = "accessory"
)

// Classifier filters titles by informativeness and accessory vocabulary.
type Classifier struct {
	MinInformative   int
	AllowAccessories bool
}

// New returns a Classifier. A non-positive minimum is treated as 1.
func New(minInformative int, allowAccessories bool) Classifier {
	if minInformative <= 0 {
		minInformative = 1
	}
	return Classifier{MinInformative: minInformative, AllowAccessories: allowAccessories}
}

// Result is the canonical classification of a title.
type Result struct {
	Tokens           []string
	Informative      []string
	InformativeCount int
	Groups           []string
	Key              string
	Accessory        bool
	Pass             bool
	Reason           string
}

// Classify tokenizes title and classifies it against the search term that produced it.
func (c Classifier) Classify(title, term string) Result {
	tokens := Tokenize(title)
	res := Result{Tokens: tokens}

	var singular []string
	hasAccessoryWord := false
	for _, tok := range tokens {
		if isAccessory(tok) {
			hasAccessoryWord = true
		}
		if !isInformative(tok) {
			continue
		}
		res.Informative = append(res.Informative, tok)
		singular = append(singular, Singular(tok))
	}
	keyTokens := sortedUnique(singular)
	res.InformativeCount = len(keyTokens)
	res.Key = strings.Join(keyTokens, "-")
	res.Accessory = hasAccessoryWord && !termIsAccessory(term)
	res.Groups = groupsFor(keyTokens, term)

	threshold := c.MinInformative
	if threshold <= 0 {
		threshold = 1
	}
	switch {
	case res.InformativeCount < threshold:
		res.Reason = ReasonTooFewInformative
	case res.Accessory && !c.AllowAccessories:
		res.Reason = ReasonAccessory
	default:
		res.Pass = true
	}
	return res
}

func termIsAccessory(term string) bool {
	for _, tok := range Tokenize(term) {
		if isAccessory(tok) {
			return true
		}
	}
	return false
}

func groupsFor(keyTokens []string, term string) []string {
	present := make(map[string]struct{}, len(keyTokens))
	var groups []string
	for _, tok := range keyTokens {
		present[tok] = struct{}{}
		if g, ok := groupLexicon[tok]; ok {
			groups = append(groups, g)
		}
	}

	termTokens := Tokenize(term)
	matched := 0
	for _, tok := range termTokens {
		if _, ok := present[Singular(tok)]; ok {
			matched++
		}
	}
	switch {
	case len(termTokens) == 0:
	case matched == len(termTokens):
		groups = append(groups, "term:exact")
	case matched > 0:
		groups = append(groups, "term:partial")
	default:
		groups = append(groups, "term:none")
	}
	return sortedUnique(groups)
}
