package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

const alibabaPage = `<html><body>
<div class="organic-list">
  <div class="search-card-item">
    <a class="search-card-e-slider__link" href="//www.alibaba.com/product-detail/steel-bottle_1600.html?spm=a">
      <img class="search-card-e-slider__img" src="data:image/gif;base64,R0lGOD" data-src="//s.alicdn.com/kf/H1/bottle.jpg_300x300.jpg">
    </a>
    <h2 class="search-card-e-title"><span>Stainless   Steel Water Bottle 500ml</span></h2>
    <div class="search-card-e-price-main">US$1.20-3.50</div>
    <div class="search-card-m-sale-features__item">Easy Return</div>
    <div class="search-card-m-sale-features__item">100 Pieces (MOQ)</div>
    <a class="search-card-e-company" href="https://acme.en.alibaba.com">Acme Drinkware Co., Ltd.</a>
  </div>
  <div class="search-card-item">
    <a class="search-card-e-slider__link" href="/product-detail/steel-bottle_1600.html?spm=a"></a>
    <h2 class="search-card-e-title">Duplicate card</h2>
  </div>
  <div class="search-card-item">
    <h2 class="search-card-e-title"></h2>
  </div>
</div>
</body></html>`

func TestExtractAlibabaCards(t *testing.T) {
	t.Parallel()

	res := Extract(listing.PlatformAlibaba, "https://www.alibaba.com/trade/search?SearchText=bottle", []byte(alibabaPage))
	require.True(t, res.ContainerFound)
	require.Empty(t, res.Missing)
	require.Len(t, res.Listings, 1)

	l := res.Listings[0]
	assert.Equal(t, "https://www.alibaba.com/product-detail/steel-bottle_1600.html?spm=a", l.URL)
	assert.Equal(t, listing.PlatformAlibaba, l.Platform)
	assert.Equal(t, "Stainless Steel Water Bottle 500ml", l.Title)
	assert.Equal(t, "https://s.alicdn.com/kf/H1/bottle.jpg_300x300.jpg", l.Image)
	assert.Equal(t, []string{"https://s.alicdn.com/kf/H1/bottle.jpg_300x300.jpg"}, l.Detail.Gallery)
	require.NotNil(t, l.PriceMin)
	require.NotNil(t, l.PriceMax)
	assert.InDelta(t, 1.20, *l.PriceMin, 1e-9)
	assert.InDelta(t, 3.50, *l.PriceMax, 1e-9)
	assert.Equal(t, "USD", l.Currency)
	assert.Equal(t, 100, l.MOQ)
	assert.Equal(t, "Pieces", l.Unit)
	assert.Equal(t, "Acme Drinkware Co., Ltd.", l.StoreName)
	assert.Equal(t, "https://acme.en.alibaba.com", l.Detail.Supplier.URL)
}

func TestExtractIndiaMARTFallbackSelectors(t *testing.T) {
	t.Parallel()

	page := `<html><body>
<div class="prd-card">
  <div class="prd-name"><a href="https://www.indiamart.com/proddetail/pump-123.html">Centrifugal Water Pump 1HP</a></div>
  <img src="https://5.imimg.com/data5/SELLER/pump-250x250.jpg">
  <span class="prc">₹ 4,500 / Piece</span>
  <div class="lcname">Shree Pumps</div>
</div>
</body></html>`
	res := Extract(listing.PlatformIndiaMART, "https://dir.indiamart.com/search.mp?ss=pump", []byte(page))
	require.True(t, res.ContainerFound)
	require.Len(t, res.Listings, 1)
	require.Equal(t, []string{FieldMOQ}, res.Missing)

	l := res.Listings[0]
	assert.Equal(t, "Centrifugal Water Pump 1HP", l.Title)
	assert.Equal(t, "https://www.indiamart.com/proddetail/pump-123.html", l.URL)
	assert.Equal(t, "INR", l.Currency)
	require.NotNil(t, l.PriceMin)
	assert.InDelta(t, 4500, *l.PriceMin, 1e-9)
	assert.Equal(t, "Shree Pumps", l.StoreName)
}

func TestExtractLDJSON(t *testing.T) {
	t.Parallel()

	page := `<html><head>
<script type="application/ld+json">{"@context":"https://schema.org","@type":"ItemList","itemListElement":[
 {"@type":"ListItem","position":1,"item":{"@type":"Product","name":"LED Desk Lamp","url":"/product/lamp-1.html",
  "image":["//image.made-in-china.com/2f0j00/lamp.jpg"],
  "offers":{"@type":"AggregateOffer","lowPrice":"2.5","highPrice":4,"priceCurrency":"USD",
   "eligibleQuantity":{"minValue":500,"unitText":"Pieces"}},
  "brand":{"name":"Ningbo Light"}}}
]}</script>
<script type="application/ld+json">{not json</script>
</head><body></body></html>`
	res := Extract(listing.PlatformMadeInChina, "https://www.made-in-china.com/productdirectory.do?word=lamp", []byte(page))
	require.True(t, res.ContainerFound)
	require.Len(t, res.Listings, 1)

	l := res.Listings[0]
	assert.Equal(t, "https://www.made-in-china.com/product/lamp-1.html", l.URL)
	assert.Equal(t, "https://image.made-in-china.com/2f0j00/lamp.jpg", l.Detail.HeroImage)
	assert.InDelta(t, 2.5, *l.PriceMin, 1e-9)
	assert.InDelta(t, 4, *l.PriceMax, 1e-9)
	assert.Equal(t, 500, l.MOQ)
	assert.Equal(t, "Pieces", l.Unit)
	assert.Equal(t, "Ningbo Light", l.StoreName)
}

func TestExtractIsTotal(t *testing.T) {
	t.Parallel()

	inputs := [][]byte{
		nil,
		[]byte(""),
		[]byte("<html><body><div id=app></div><script>window.__INIT__={}</script></body></html>"),
		[]byte("<<<>>>&&&\x00\xff"),
	}
	for _, body := range inputs {
		for _, p := range listing.Platforms() {
			res := Extract(p, "::bad url::", body)
			require.False(t, res.ContainerFound)
			require.Empty(t, res.Listings)
			require.True(t, res.Has(FieldContainer))
		}
	}
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	lo, hi, cur := ParsePrice("US$1.20-3.50")
	assert.InDelta(t, 1.2, *lo, 1e-9)
	assert.InDelta(t, 3.5, *hi, 1e-9)
	assert.Equal(t, "USD", cur)

	lo, hi, cur = ParsePrice("₹ 1,200.50 / Piece")
	assert.InDelta(t, 1200.5, *lo, 1e-9)
	assert.Equal(t, lo, hi)
	assert.Equal(t, "INR", cur)

	lo, hi, _ = ParsePrice("$9 - $4")
	assert.InDelta(t, 4, *lo, 1e-9)
	assert.InDelta(t, 9, *hi, 1e-9)

	lo, hi, cur = ParsePrice("Negotiable")
	assert.Nil(t, lo)
	assert.Nil(t, hi)
	assert.Empty(t, cur)
}

func TestParseMOQ(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		qty  int
		unit string
	}{
		{"100 Pieces (MOQ)", 100, "Pieces"},
		{"Min. Order: 500 Sets", 500, "Sets"},
		{"MOQ: 1,000 pcs", 1000, "pcs"},
		{"10 (MOQ)", 10, ""},
		{"Easy Return", 0, ""},
	}
	for _, tc := range cases {
		qty, unit := ParseMOQ(tc.in)
		assert.Equal(t, tc.qty, qty, tc.in)
		assert.Equal(t, tc.unit, unit, tc.in)
	}
}
