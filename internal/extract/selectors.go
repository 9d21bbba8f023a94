package extract

import "github.com/coderfong/moq-pools-ingest/internal/listing"

// selectorSet lists CSS selectors per field, most specific first. Marketplaces
// reshuffle their markup often, so every field carries fallbacks.
type selectorSet struct {
	cards []string
	title []string
	link  []string
	image []string
	price []string
	moq   []string
	store []string
}

var selectorSets = map[listing.Platform]selectorSet{
	listing.PlatformAlibaba: {
		cards: []string{".search-card-item", ".fy23-search-card", ".organic-list .list-no-v2-outter", "[data-content='productItem']"},
		title: []string{".search-card-e-title", ".elements-title-normal", "h2"},
		link:  []string{"a.search-card-e-slider__link", ".search-card-e-title a", "a[href*='/product-detail/']", "a[href]"},
		image: []string{"img.search-card-e-slider__img", ".seb-img-switcher__imgs img", "img"},
		price: []string{".search-card-e-price-main", ".elements-offer-price-normal", "[class*='price']"},
		moq:   []string{".search-card-m-sale-features__item", ".element-offer-minorder-normal", "[class*='moq']"},
		store: []string{".search-card-e-company", ".list-no-v2-decisionsup__element", "[class*='company']"},
	},
	listing.PlatformMadeInChina: {
		cards: []string{".prod-list .prod-info", ".product-item", ".list-node"},
		title: []string{".product-name", "h2", "h3"},
		link:  []string{".product-name a", "h2 a", "a[href]"},
		image: []string{".prod-image img", ".img-wrap img", "img"},
		price: []string{".price", ".product-price", "[class*='price']"},
		moq:   []string{".moq", ".min-order", ".info"},
		store: []string{".company-name", ".compnay-name", "[class*='company']"},
	},
	listing.PlatformIndiaMART: {
		cards: []string{".card", ".prd-card", ".lst_cl"},
		title: []string{".producttitle", ".prd-name", "a.cardlinks"},
		link:  []string{"a.cardlinks", ".producttitle a", "a[href]"},
		image: []string{"img.productimg", ".imgcont img", "img"},
		price: []string{".price", ".prc", "[class*='price']"},
		moq:   []string{".moq", ".unit", "[class*='moq']"},
		store: []string{".companyname", ".lcname", "[class*='company']"},
	},
}

// imageAttrs are read in order; lazy loaders keep the real URL in data attributes
// and a spacer in src.
var imageAttrs = []string{"data-src", "data-lazy-src", "data-original", "src"}
