package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/coderfong/moq-pools-ingest/internal/listing"
)

type fixedIDs struct{ id string }

func (f fixedIDs) NewID() (string, error) { return f.id, nil }

type fixedClock struct{ now time.Time }

func (f fixedClock) Now() time.Time { return f.now }

var testNow = time.Unix(1700000000, 0).UTC()

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock, "listings", fixedIDs{id: "0190a5c8-0000-7000-8000-000000000001"}, fixedClock{now: testNow})
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, "listings; DROP TABLE x", fixedIDs{}, fixedClock{})
	require.Error(t, err)

	_, err = NewWithPool(mock, "listings", nil, fixedClock{})
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS listings").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertByURLReturnsCreated(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	price := 2.5
	l := listing.Listing{
		URL:          "https://www.alibaba.com/product-detail/bottle_1.html",
		Platform:     listing.PlatformAlibaba,
		Title:        "Stainless Steel Water Bottle",
		PriceMin:     &price,
		Currency:     "USD",
		MOQ:          500,
		Unit:         "pieces",
		CategoryKeys: []string{"bottles"},
		SearchTerms:  []string{"water bottle"},
		QualityClass: listing.QualityStrict,
	}

	mock.ExpectQuery("INSERT INTO listings").
		WithArgs(
			"0190a5c8-0000-7000-8000-000000000001",
			l.URL,
			"alibaba",
			l.Title,
			"",
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			"USD",
			500,
			"pieces",
			"",
			[]string{"bottles"},
			[]string{"water bottle"},
			"strict",
			"",
			pgxmock.AnyArg(),
			testNow,
		).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created"}).
			AddRow("0190a5c8-0000-7000-8000-000000000001", true))

	res, err := store.UpsertByURL(context.Background(), l)
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, "0190a5c8-0000-7000-8000-000000000001", res.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertByURLRequiresURL(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	_, err := store.UpsertByURL(context.Background(), listing.Listing{Title: "x"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByCategory(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM listings").
		WithArgs("bottles").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := store.CountByCategory(context.Background(), "bottles")
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByCategoryWrapsError(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT count").
		WithArgs("bottles").
		WillReturnError(errors.New("boom"))

	_, err := store.CountByCategory(context.Background(), "bottles")
	require.ErrorContains(t, err, "boom")
}

func TestUpdateImagesBatchesOneStatement(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectExec("UPDATE listings AS l").
		WithArgs([]string{"a", "b"}, []string{"https://cdn/x.jpg", ""}, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := store.UpdateImages(context.Background(), []listing.ImageUpdate{
		{ID: "a", Image: "https://cdn/x.jpg"},
		{ID: "b"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateImagesEmptyIsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	n, err := store.UpdateImages(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListForImageFixScansRows(t *testing.T) {
	t.Parallel()

	store, mock := newTestStore(t)
	mock.ExpectQuery("SELECT id::text, url").
		WithArgs(nilUUID, "indiamart", false, "https://cdn.example.com/", 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "url", "platform", "title", "image", "category_keys", "detail"}).
			AddRow("id-1", "https://dir.indiamart.com/p/1", "indiamart", "Pump", "", []string{"pumps"},
				[]byte(`{"heroImage":"https://img/1.jpg","gallery":["https://img/2.jpg"]}`)))

	got, err := store.ListForImageFix(context.Background(), listing.ImageFixQuery{
		Limit:       50,
		Platform:    listing.PlatformIndiaMART,
		CachePrefix: "https://cdn.example.com/",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "id-1", got[0].ID)
	require.Equal(t, listing.PlatformIndiaMART, got[0].Platform)
	require.Equal(t, "https://img/1.jpg", got[0].Detail.HeroImage)
	require.Equal(t, []string{"https://img/2.jpg"}, got[0].Detail.Gallery)
	require.NoError(t, mock.ExpectationsWereMet())
}
