package extract

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/coderfong/moq-pools-ingest/internal/images"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

// jsonListings reads schema.org Product and ItemList blocks embedded as ld+json.
func jsonListings(doc *goquery.Document, base *url.URL, platform listing.Platform) []listing.Listing {
	var out []listing.Listing
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return
		}
		for _, product := range products(payload) {
			if l, ok := productListing(product, base, platform); ok {
				out = append(out, l)
			}
		}
	})
	return out
}

// products flattens the shapes marketplaces embed: a bare Product, an ItemList whose
// elements wrap Products, an @graph, or an array of any of these.
func products(v any) []map[string]any {
	switch t := v.(type) {
	case []any:
		var out []map[string]any
		for _, item := range t {
			out = append(out, products(item)...)
		}
		return out
	case map[string]any:
		switch {
		case hasType(t, "Product"):
			return []map[string]any{t}
		case hasType(t, "ItemList"):
			return products(t["itemListElement"])
		case hasType(t, "ListItem"):
			if item, ok := t["item"]; ok {
				return products(item)
			}
		}
		if graph, ok := t["@graph"]; ok {
			return products(graph)
		}
	}
	return nil
}

func hasType(m map[string]any, want string) bool {
	switch t := m["@type"].(type) {
	case string:
		return t == want
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func productListing(p map[string]any, base *url.URL, platform listing.Platform) (listing.Listing, bool) {
	l := listing.Listing{
		Platform: platform,
		Title:    cleanText(str(p["name"])),
		URL:      absolute(base, str(p["url"])),
	}
	if l.Title == "" || l.URL == "" {
		return l, false
	}
	for _, raw := range strs(p["image"]) {
		if u := images.Normalize(absoluteImage(base, raw)); u != "" {
			l.Detail.Gallery = append(l.Detail.Gallery, u)
		}
	}
	if len(l.Detail.Gallery) > 0 {
		l.Image = l.Detail.Gallery[0]
		l.Detail.HeroImage = l.Detail.Gallery[0]
	}
	if offers, ok := firstObject(p["offers"]); ok {
		l.Currency = str(offers["priceCurrency"])
		low, high := str(offers["lowPrice"]), str(offers["highPrice"])
		if low == "" {
			low = str(offers["price"])
		}
		if high == "" {
			high = low
		}
		l.PriceMin, _, _ = ParsePrice(low)
		l.PriceMax, _, _ = ParsePrice(high)
		if qty, ok := firstObject(offers["eligibleQuantity"]); ok {
			l.MOQ, _ = ParseMOQ(str(qty["minValue"]))
			l.Unit = str(qty["unitText"])
		}
	}
	if brand, ok := firstObject(p["brand"]); ok {
		l.StoreName = cleanText(str(brand["name"]))
		l.Detail.Supplier.Name = l.StoreName
	}
	return l, true
}

func firstObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				return m, true
			}
		}
	}
	return nil, false
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func strs(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var out []string
		for _, item := range t {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]any:
				out = append(out, str(it["url"]))
			}
		}
		return out
	case map[string]any:
		return []string{str(t["url"])}
	}
	return nil
}
