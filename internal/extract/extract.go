// Package extract turns marketplace search pages into partial listing records.
//
// Extraction is total: malformed markup yields fewer listings and a list of the
// fields that could not be found, never an error. Callers decide whether a miss
// means retry, escalate, or skip.
package extract

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/coderfong/moq-pools-ingest/internal/images"
	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

// Field names reported in Result.Missing.
const (
	FieldContainer = "container"
	FieldTitle     = "title"
	FieldImage     = "image"
	FieldPrice     = "price"
	FieldMOQ       = "moq"
)

// Result is the outcome of one extraction.
type Result struct {
	Listings []listing.Listing
	// Missing names expected fields that no card on the page provided.
	Missing []string
	// ContainerFound is true when result cards (or embedded product JSON) were present,
	// even if none of them produced a usable listing.
	ContainerFound bool
}

// Has reports whether field is listed as missing.
func (r Result) Has(field string) bool {
	for _, m := range r.Missing {
		if m == field {
			return true
		}
	}
	return false
}

// Extract parses body as a search results page of platform served from pageURL.
func Extract(platform listing.Platform, pageURL string, body []byte) (res Result) {
	defer func() {
		if recover() != nil {
			res = Result{Missing: []string{FieldContainer}}
		}
	}()

	base, err := url.Parse(pageURL)
	if err != nil {
		base = &url.URL{}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Result{Missing: []string{FieldContainer}}
	}

	sel, ok := selectorSets[platform]
	if !ok {
		sel = selectorSets[listing.PlatformAlibaba]
	}

	acc := newAccumulator(platform)
	cards := firstMatch(doc.Selection, sel.cards)
	if cards != nil {
		acc.containerFound = true
		cards.Each(func(_ int, card *goquery.Selection) {
			acc.add(cardListing(card, sel, base, platform))
		})
	}
	for _, l := range jsonListings(doc, base, platform) {
		acc.containerFound = true
		acc.add(l)
	}
	return acc.result()
}

type accumulator struct {
	platform       listing.Platform
	containerFound bool
	listings       []listing.Listing
	seen           map[string]struct{}
	haveTitle      bool
	haveImage      bool
	havePrice      bool
	haveMOQ        bool
}

func newAccumulator(platform listing.Platform) *accumulator {
	return &accumulator{platform: platform, seen: make(map[string]struct{})}
}

func (a *accumulator) add(l listing.Listing) {
	if l.Title != "" {
		a.haveTitle = true
	}
	if l.Image != "" {
		a.haveImage = true
	}
	if l.PriceMin != nil {
		a.havePrice = true
	}
	if l.MOQ > 0 {
		a.haveMOQ = true
	}
	if l.Title == "" || l.URL == "" {
		return
	}
	if _, dup := a.seen[l.URL]; dup {
		return
	}
	a.seen[l.URL] = struct{}{}
	a.listings = append(a.listings, l)
}

func (a *accumulator) result() Result {
	res := Result{Listings: a.listings, ContainerFound: a.containerFound}
	if !a.containerFound {
		res.Missing = append(res.Missing, FieldContainer)
	}
	if !a.haveTitle {
		res.Missing = append(res.Missing, FieldTitle)
	}
	if !a.haveImage {
		res.Missing = append(res.Missing, FieldImage)
	}
	if !a.havePrice {
		res.Missing = append(res.Missing, FieldPrice)
	}
	if !a.haveMOQ {
		res.Missing = append(res.Missing, FieldMOQ)
	}
	return res
}

func cardListing(card *goquery.Selection, sel selectorSet, base *url.URL, platform listing.Platform) listing.Listing {
	l := listing.Listing{Platform: platform}

	titleSel := firstMatch(card, sel.title)
	if titleSel != nil {
		l.Title = cleanText(titleSel.First().Text())
		if l.Title == "" {
			l.Title = cleanText(titleSel.First().AttrOr("title", ""))
		}
	}
	if linkSel := firstMatch(card, sel.link); linkSel != nil {
		l.URL = absolute(base, linkSel.First().AttrOr("href", ""))
	}
	if l.URL == "" && titleSel != nil {
		if href, ok := titleSel.First().Closest("a").Attr("href"); ok {
			l.URL = absolute(base, href)
		}
	}

	var gallery []string
	if imgSel := firstMatch(card, sel.image); imgSel != nil {
		imgSel.Each(func(_ int, img *goquery.Selection) {
			for _, attr := range imageAttrs {
				if u := images.Normalize(absoluteImage(base, img.AttrOr(attr, ""))); u != "" {
					gallery = append(gallery, u)
					break
				}
			}
		})
	}
	if len(gallery) > 0 {
		l.Image = gallery[0]
		l.Detail.Gallery = gallery
	}

	if priceSel := firstMatch(card, sel.price); priceSel != nil {
		l.PriceMin, l.PriceMax, l.Currency = ParsePrice(cleanText(priceSel.First().Text()))
	}
	if moqSel := firstMatch(card, sel.moq); moqSel != nil {
		moqSel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
			text := cleanText(s.Text())
			if qty, unit := ParseMOQ(text); qty > 0 {
				l.MOQ, l.Unit = qty, unit
				return false
			}
			return true
		})
	}
	if storeSel := firstMatch(card, sel.store); storeSel != nil {
		l.StoreName = cleanText(storeSel.First().Text())
		l.Detail.Supplier.Name = l.StoreName
		l.Detail.Supplier.URL = absolute(base, storeSel.First().Find("a").AttrOr("href", storeSel.First().AttrOr("href", "")))
	}
	return l
}

// firstMatch returns the first selector in order that matches anything under s.
func firstMatch(s *goquery.Selection, selectors []string) *goquery.Selection {
	for _, q := range selectors {
		if found := s.Find(q); found.Length() > 0 {
			return found
		}
	}
	return nil
}

func absolute(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String()
}

func absoluteImage(base *url.URL, src string) string {
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(src, "//") || strings.HasPrefix(strings.ToLower(src), "data:") {
		return src
	}
	return absolute(base, src)
}
