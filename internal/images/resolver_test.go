package images

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

func TestResolveSkipsUIImagesInGallery(t *testing.T) {
	t.Parallel()

	r := NewResolver(NewPredicate(0, 0))
	d := listing.Detail{Gallery: []string{
		"https://img.alicdn.com/imgextra/i1/O1CN01@logo.png",
		"https://img.alicdn.com/tfs/TB1/tps-50-50.png",
		"https://img.alicdn.com/imgextra/i2/product_960x960.jpg",
	}}
	require.Equal(t, "https://img.alicdn.com/imgextra/i2/product_960x960.jpg", r.Resolve(d))
}

func TestResolvePriorityOrder(t *testing.T) {
	t.Parallel()

	r := NewResolver(NewPredicate(0, 0))

	t.Run("hero wins", func(t *testing.T) {
		d := listing.Detail{
			HeroImage: "//sc04.alicdn.com/kf/hero.jpg",
			Gallery:   []string{"https://sc04.alicdn.com/kf/other.jpg"},
		}
		require.Equal(t, "https://sc04.alicdn.com/kf/hero.jpg", r.Resolve(d))
	})

	t.Run("bad hero ignored", func(t *testing.T) {
		d := listing.Detail{
			HeroImage: "https://sc04.alicdn.com/kf/watermark.png",
			Gallery:   []string{"https://sc04.alicdn.com/kf/other.jpg"},
		}
		require.Equal(t, "https://sc04.alicdn.com/kf/other.jpg", r.Resolve(d))
	})

	t.Run("fallback used after gallery", func(t *testing.T) {
		d := listing.Detail{
			Gallery:  []string{"https://sc04.alicdn.com/kf/badge.png"},
			Fallback: []string{"data:image/gif;base64,R0lGOD", "https://sc04.alicdn.com/kf/fallback.jpg"},
		}
		require.Equal(t, "https://sc04.alicdn.com/kf/fallback.jpg", r.Resolve(d))
	})

	t.Run("thumbnail upgraded", func(t *testing.T) {
		d := listing.Detail{Gallery: []string{"https://ae01.alicdn.com/kf/H1/shoe.jpg_80x80.jpg"}}
		require.Equal(t, "https://ae01.alicdn.com/kf/H1/shoe.jpg_960x960.jpg", r.Resolve(d))
	})

	t.Run("first entry as last resort", func(t *testing.T) {
		d := listing.Detail{Gallery: []string{
			"https://img.alicdn.com/tfs/tps-20-20.png",
			"https://img.alicdn.com/tfs/tps-30-30.png",
		}}
		require.Equal(t, "https://img.alicdn.com/tfs/tps-20-20.png", r.Resolve(d))
	})

	t.Run("empty payload", func(t *testing.T) {
		require.Empty(t, r.Resolve(listing.Detail{Fallback: []string{"", "data:x"}}))
	})
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewResolver(NewPredicate(0, 0))
	d := listing.Detail{
		HeroImage: "https://sc04.alicdn.com/kf/sprite.png",
		Gallery: []string{
			"//ae01.alicdn.com/kf/a.jpg_220x220q90.jpg",
			"https://ae01.alicdn.com/kf/b.jpg",
		},
	}
	first := r.Resolve(d)
	require.NotEmpty(t, first)
	require.Equal(t, first, r.Resolve(d))
	require.Equal(t, r.Candidates(d), r.Candidates(d))
}

func TestCandidatesAreUnique(t *testing.T) {
	t.Parallel()

	r := NewResolver(NewPredicate(0, 0))
	d := listing.Detail{
		HeroImage: "https://sc04.alicdn.com/kf/a.jpg",
		Gallery:   []string{"https://sc04.alicdn.com/kf/a.jpg", "//sc04.alicdn.com/kf/a.jpg"},
	}
	require.Equal(t, []string{"https://sc04.alicdn.com/kf/a.jpg"}, r.Candidates(d))
}

func TestUpgrade(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://ae01.alicdn.com/kf/H1/shoe.jpg_80x80.jpg":        "https://ae01.alicdn.com/kf/H1/shoe.jpg_960x960.jpg",
		"https://ae01.alicdn.com/kf/H1/shoe.jpg_220x220q90.jpg":   "https://ae01.alicdn.com/kf/H1/shoe.jpg_960x960q90.jpg",
		"https://ae01.alicdn.com/kf/H1/shoe.jpg_960x960.jpg":      "https://ae01.alicdn.com/kf/H1/shoe.jpg_960x960.jpg",
		"https://5.imimg.com/data5/SELLER/pump-250x250.jpg":       "https://5.imimg.com/data5/SELLER/pump-500x500.jpg",
		"https://5.imimg.com/data5/SELLER/pump-500x500.jpg":       "https://5.imimg.com/data5/SELLER/pump-500x500.jpg",
		"https://image.made-in-china.com/2f0j00/product-name.jpg": "https://image.made-in-china.com/2f0j00/product-name.jpg",
	}
	for in, want := range cases {
		assert.Equal(t, want, Upgrade(in), in)
	}
	assert.Equal(t, Upgrade("https://ae01.alicdn.com/kf/x.jpg_80x80.jpg"), Upgrade(Upgrade("https://ae01.alicdn.com/kf/x.jpg_80x80.jpg")))
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"//img.alicdn.com/a.jpg":          "https://img.alicdn.com/a.jpg",
		"http://img.alicdn.com/a.jpg":     "https://img.alicdn.com/a.jpg",
		"http://example.com/a.jpg":        "http://example.com/a.jpg",
		"  https://img.alicdn.com/a.jpg ": "https://img.alicdn.com/a.jpg",
		"data:image/png;base64,AAAA":      "",
		"":                                "",
	}
	for in, want := range cases {
		got := Normalize(in)
		assert.Equal(t, want, got, in)
		assert.Equal(t, got, Normalize(got), "idempotent for %q", in)
	}
}

func TestIsThumbnail(t *testing.T) {
	t.Parallel()

	assert.True(t, IsThumbnail("https://ae01.alicdn.com/kf/x.jpg_80x80.jpg"))
	assert.False(t, IsThumbnail("https://ae01.alicdn.com/kf/x.jpg_960x960.jpg"))
	assert.False(t, IsThumbnail("https://ae01.alicdn.com/kf/x.jpg"))
}
