// Package listing defines the core types shared across the ingestion pipeline.
package listing

import (
	"net/http"
	"time"
)

// Platform identifies the B2B marketplace a listing was scraped from.
type Platform string

// Supported marketplaces.
const (
	PlatformAlibaba     Platform = "alibaba"
	PlatformMadeInChina Platform = "made-in-china"
	PlatformIndiaMART   Platform = "indiamart"
)

// Platforms lists every supported marketplace in a stable order.
func Platforms() []Platform {
	return []Platform{PlatformAlibaba, PlatformMadeInChina, PlatformIndiaMART}
}

// Valid reports whether p is a known marketplace.
func (p Platform) Valid() bool {
	switch p {
	case PlatformAlibaba, PlatformMadeInChina, PlatformIndiaMART:
		return true
	default:
		return false
	}
}

// QualityClass records which relaxation stage admitted a listing.
type QualityClass string

// Quality classes, strictest first.
const (
	QualityStrict    QualityClass = "strict"
	QualityRelaxed   QualityClass = "relaxed"
	QualityAccessory QualityClass = "accessory"
)

// Supplier describes the store that published a listing.
type Supplier struct {
	Name    string `json:"name,omitempty" bson:"name,omitempty"`
	URL     string `json:"url,omitempty" bson:"url,omitempty"`
	Country string `json:"country,omitempty" bson:"country,omitempty"`
	Years   int    `json:"years,omitempty" bson:"years,omitempty"`
}

// Detail is the raw detail payload kept alongside a listing. The image fields are
// noisy marketplace data; the image resolver picks from them.
type Detail struct {
	HeroImage  string            `json:"heroImage,omitempty" bson:"hero_image,omitempty"`
	Gallery    []string          `json:"gallery,omitempty" bson:"gallery,omitempty"`
	Fallback   []string          `json:"fallback,omitempty" bson:"fallback,omitempty"`
	Supplier   Supplier          `json:"supplier,omitempty" bson:"supplier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" bson:"attributes,omitempty"`
}

// Listing is a normalized scraped product record.
type Listing struct {
	ID           string       `json:"id"`
	URL          string       `json:"url"`
	Platform     Platform     `json:"platform"`
	Title        string       `json:"title"`
	Image        string       `json:"image,omitempty"`
	PriceMin     *float64     `json:"priceMin,omitempty"`
	PriceMax     *float64     `json:"priceMax,omitempty"`
	Currency     string       `json:"currency,omitempty"`
	MOQ          int          `json:"moq,omitempty"`
	Unit         string       `json:"unit,omitempty"`
	StoreName    string       `json:"storeName,omitempty"`
	CategoryKeys []string     `json:"categoryKeys,omitempty"`
	SearchTerms  []string     `json:"searchTerms,omitempty"`
	QualityClass QualityClass `json:"qualityClass,omitempty"`
	DedupeKey    string       `json:"dedupeKey,omitempty"`
	Detail       Detail       `json:"detail"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// UpsertResult reports the outcome of an upsert-by-url.
type UpsertResult struct {
	ID      string
	Created bool
}

// ImageUpdate replaces the image field of one listing. An empty Image nulls it.
type ImageUpdate struct {
	ID    string
	Image string
}

// ImageFixQuery pages through listings for the image passes.
type ImageFixQuery struct {
	AfterID  string
	Limit    int
	Platform Platform
	// OnlyCached selects listings whose image already points at the cache
	// (audit pass); otherwise listings with a missing or external image are returned.
	OnlyCached bool
	// CachePrefix is the public cache URL prefix used to tell cached images apart.
	CachePrefix string
}

// FetchRequest captures everything needed to fetch a marketplace page.
type FetchRequest struct {
	URL      string
	Platform Platform
	Headers  http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Task is one unit of ingestion work: a taxonomy leaf and the terms to search for it.
type Task struct {
	LeafKey  string
	LeafName string
	Terms    []string
	Target   int
}
