package quality

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
)

var (
	tokenSplitter = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	measurement   = regexp.MustCompile(`^\d+(\.\d+)?(mm|cm|m|km|kg|g|mg|ml|l|w|kw|v|mah|inch|in|ft|oz|lb|lbs|pcs|pc|gsm|x\d+)?$`)
)

var stopwords = wordSet(
	"a", "an", "and", "the", "for", "with", "of", "in", "on", "to", "by", "from", "at", "or", "as", "is",
	"new", "hot", "sale", "selling", "best", "top", "high", "quality", "good", "cheap", "low", "price",
	"wholesale", "factory", "direct", "supply", "supplier", "manufacturer", "oem", "odm", "custom",
	"customized", "customize", "design", "brand", "original", "china", "chinese", "made", "product",
	"item", "free", "shipping", "style", "fashion", "popular", "latest", "piece", "pcs", "set", "lot",
	"unit", "type", "model", "premium", "professional", "bulk", "export", "exporter", "stock", "sample",
	"samples", "available", "discount", "promotion", "promotional", "amazon", "ebay", "trending",
)

var accessoryWords = wordSet(
	"case", "cover", "strap", "charger", "cable", "adapter", "holder", "mount", "bracket", "protector",
	"sleeve", "pouch", "skin", "sticker", "film", "replacement", "spare", "part", "accessory", "refill",
	"stand", "clip", "keychain", "lanyard", "nozzle", "gasket",
)

// groupLexicon maps singular tokens to coarse product groups used as tags.
var groupLexicon = map[string]string{
	"phone": "electronics", "smartphone": "electronics", "laptop": "electronics", "tablet": "electronics",
	"headphone": "electronics", "earphone": "electronics", "earbud": "electronics", "speaker": "electronics",
	"camera": "electronics", "led": "electronics", "bluetooth": "electronics", "usb": "electronics",
	"shirt": "apparel", "tshirt": "apparel", "hoodie": "apparel", "dress": "apparel", "jacket": "apparel",
	"sock": "apparel", "shoe": "apparel", "sneaker": "apparel", "cap": "apparel", "jean": "apparel",
	"chair": "home", "table": "home", "sofa": "home", "lamp": "home", "towel": "home", "bedding": "home",
	"kitchen": "home", "cookware": "home", "mug": "home", "bottle": "home", "curtain": "home",
	"lipstick": "beauty", "cosmetic": "beauty", "serum": "beauty", "shampoo": "beauty", "perfume": "beauty",
	"bearing": "industrial", "valve": "industrial", "pump": "industrial", "motor": "industrial",
	"steel": "industrial", "pipe": "industrial", "machine": "industrial", "welding": "industrial",
	"carton": "packaging", "box": "packaging", "mailer": "packaging", "label": "packaging",
	"toy": "toys", "puzzle": "toys", "doll": "toys", "plush": "toys",
	"yoga": "sports", "bicycle": "sports", "dumbbell": "sports", "fitness": "sports",
	"tire": "automotive", "brake": "automotive", "wiper": "automotive", "headlight": "automotive",
	"tea": "food", "coffee": "food", "spice": "food", "snack": "food",
}

func wordSet(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// Tokenize lowercases s and splits it on anything that is not a letter or digit.
func Tokenize(s string) []string {
	parts := tokenSplitter.Split(strings.ToLower(s), -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Singular strips common English plural endings.
func Singular(tok string) string {
	n := len(tok)
	switch {
	case n > 4 && strings.HasSuffix(tok, "ies"):
		return tok[:n-3] + "y"
	case n > 4 && (strings.HasSuffix(tok, "sses") || strings.HasSuffix(tok, "xes") ||
		strings.HasSuffix(tok, "ches") || strings.HasSuffix(tok, "shes")):
		return tok[:n-2]
	case n > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") &&
		!strings.HasSuffix(tok, "us") && !strings.HasSuffix(tok, "is"):
		return tok[:n-1]
	default:
		return tok
	}
}

func isInformative(tok string) bool {
	if _, stop := stopwords[tok]; stop {
		return false
	}
	if _, stop := stopwords[Singular(tok)]; stop {
		return false
	}
	if measurement.MatchString(tok) {
		return false
	}
	var letters, digits int
	for _, r := range tok {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		}
	}
	switch {
	case letters == 0:
		return false
	case letters+digits >= 3:
		return true
	default:
		return letters > 0 && digits > 0
	}
}

func isAccessory(tok string) bool {
	_, ok := accessoryWords[Singular(tok)]
	return ok
}

func sortedUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
