package catalogstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joylabs/catalogd/internal/catalog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testItem(id string, version int64, name string, opts ...func(*catalog.Item)) catalog.Object {
	item := &catalog.Item{Name: catalog.Some(name)}
	for _, opt := range opts {
		opt(item)
	}
	return catalog.Object{
		ID:        id,
		Type:      catalog.TypeItem,
		Version:   version,
		UpdatedAt: time.Unix(1_700_000_000+version, 0).UTC(),
		Payload:   item,
	}
}

func withVariation(sku, upc string, cents int64) func(*catalog.Item) {
	return func(it *catalog.Item) {
		v := catalog.Variation{ID: "var-" + sku, SKU: catalog.Some(sku), UPC: catalog.Some(upc)}
		if cents > 0 {
			v.Price = catalog.Some(catalog.Money{Amount: cents, Currency: "USD"})
		}
		it.Variations = append(it.Variations, v)
	}
}

func withCategory(id string, hint catalog.Opt[string]) func(*catalog.Item) {
	return func(it *catalog.Item) {
		it.CategoryID = catalog.Some(id)
		it.CategoryName = hint
	}
}

func testCategory(id string, version int64, name catalog.Opt[string]) catalog.Object {
	return catalog.Object{ID: id, Type: catalog.TypeCategory, Version: version, Payload: &catalog.Category{Name: name}}
}

func TestUpsertKeepsHighestVersion(t *testing.T) {
	ctx := context.Background()
	for _, order := range [][]int64{{1, 2}, {2, 1}} {
		store := openTestStore(t)
		for _, v := range order {
			_, err := store.Upsert(ctx, testItem("A", v, map[int64]string{1: "old", 2: "new"}[v]))
			require.NoError(t, err)
		}
		obj, ok, err := store.GetByID(ctx, "A")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, int64(2), obj.Version, "order %v", order)
		assert.Equal(t, "new", obj.DisplayName())
	}
}

func TestUpsertSameVersionTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	res, err := store.Upsert(ctx, testItem("A", 3, "first"))
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)

	res, err = store.Upsert(ctx, testItem("A", 3, "second"))
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)
	assert.Equal(t, StaleVersion, res.Reason)
	assert.Equal(t, int64(3), res.StoredVersion)

	obj, _, err := store.GetByID(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "first", obj.DisplayName())
}

func TestTombstoneIsRetainedButNotSearchable(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.Upsert(ctx, testItem("A", 1, "Widget", withVariation("W-1", "111", 100)))
	require.NoError(t, err)

	_, err = store.Upsert(ctx, catalog.Object{ID: "A", Type: catalog.TypeItem, Version: 2, IsDeleted: true})
	require.NoError(t, err)

	obj, ok, err := store.GetByID(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, obj.IsDeleted)
	assert.Equal(t, "Widget", obj.DisplayName(), "tombstone keeps last payload")

	hits, err := store.SearchItems(ctx, SearchCriteria{Term: "widget", Name: true, SKU: true})
	require.NoError(t, err)
	assert.Empty(t, hits)

	version, ok, err := store.StoredVersion(ctx, "A")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), version)
}

func TestRollbackDiscardsPageAndCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	_, err = tx.Upsert(ctx, testItem("A", 1, "a"))
	require.NoError(t, err)
	require.NoError(t, tx.SaveCheckpoint(ctx, Checkpoint{Scope: ScopeIncremental, Cursor: catalog.Some("c1")}))
	require.NoError(t, tx.Rollback())

	_, ok, err := store.GetByID(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok)
	cp, err := store.LoadCheckpoint(ctx, ScopeIncremental)
	require.NoError(t, err)
	assert.False(t, cp.Cursor.Present())

	// the write lock was released
	tx, err = store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.SaveCheckpoint(ctx, Checkpoint{Scope: ScopeIncremental, Cursor: catalog.Some("c2"), SinceVersion: 4, HighWater: 9}))
	require.NoError(t, tx.Commit())
	assert.ErrorIs(t, tx.Commit(), ErrTxDone)

	cp, err = store.LoadCheckpoint(ctx, ScopeIncremental)
	require.NoError(t, err)
	assert.Equal(t, "c2", cp.Cursor.OrElse(""))
	assert.Equal(t, int64(4), cp.SinceVersion)
	assert.Equal(t, int64(9), cp.HighWater)
	assert.False(t, cp.UpdatedAt.IsZero())
}

func TestEpochSweepTombstonesUnlistedRows(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.Upsert(ctx, testItem("keep", 1, "keep"))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testItem("drop", 1, "drop"))
	require.NoError(t, err)

	epoch, err := store.StartEpoch(ctx)
	require.NoError(t, err)
	assert.Equal(t, epoch, store.CurrentEpoch())

	// re-listed at the same version: skipped but stamped
	res, err := store.Upsert(ctx, testItem("keep", 1, "keep"))
	require.NoError(t, err)
	assert.Equal(t, Skipped, res.Outcome)

	swept, err := store.SweepBefore(ctx, epoch, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"drop"}, swept.IDs)
	assert.Equal(t, []catalog.ObjectType{catalog.TypeItem}, swept.Types)

	keep, _, err := store.GetByID(ctx, "keep")
	require.NoError(t, err)
	assert.False(t, keep.IsDeleted)
	drop, _, err := store.GetByID(ctx, "drop")
	require.NoError(t, err)
	assert.True(t, drop.IsDeleted)

	// the provider lists it again at the same version: it comes back
	res, err = store.Upsert(ctx, testItem("drop", 1, "drop"))
	require.NoError(t, err)
	assert.Equal(t, Applied, res.Outcome)
	drop, _, err = store.GetByID(ctx, "drop")
	require.NoError(t, err)
	assert.False(t, drop.IsDeleted)
}

func TestEpochSweepHonoursTypeFilter(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	_, err := store.Upsert(ctx, testCategory("cat-1", 1, catalog.Some("Drinks")))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testItem("tea", 1, "tea", func(it *catalog.Item) { it.CategoryID = catalog.Some("cat-1") }))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testItem("gone", 1, "gone"))
	require.NoError(t, err)

	epoch, err := store.StartEpoch(ctx)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testItem("tea", 1, "tea", func(it *catalog.Item) { it.CategoryID = catalog.Some("cat-1") }))
	require.NoError(t, err)

	swept, err := store.SweepBefore(ctx, epoch, []catalog.ObjectType{catalog.TypeItem})
	require.NoError(t, err)
	assert.Equal(t, []string{"gone"}, swept.IDs)

	cat, _, err := store.GetByID(ctx, "cat-1")
	require.NoError(t, err)
	assert.False(t, cat.IsDeleted)

	hits, err := store.SearchItems(ctx, SearchCriteria{Term: "drinks", Category: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "tea", hits[0].Object.ID)

	// nothing left to sweep
	swept, err = store.SweepBefore(ctx, epoch, []catalog.ObjectType{catalog.TypeItem})
	require.NoError(t, err)
	assert.Zero(t, swept.Count())
}

func TestEpochSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := Open(ctx, path, Options{})
	require.NoError(t, err)
	_, err = store.StartEpoch(ctx)
	require.NoError(t, err)
	_, err = store.StartEpoch(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(ctx, "sqlite://"+path, Options{})
	require.NoError(t, err)
	defer store.Close()
	assert.Equal(t, int64(2), store.CurrentEpoch())
}

func TestCategoryNameFallbackChain(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.Upsert(ctx, testItem("hinted", 1, "Hinted", withCategory("cat-1", catalog.Some("Dairy (hint)"))))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testItem("bare", 1, "Bare", withCategory("cat-1", catalog.None[string]())))
	require.NoError(t, err)

	categoryOf := func(id string) catalog.Opt[string] {
		page, err := store.QueryItems(ctx, ItemQuery{CategoryID: "cat-1", IncludeDeleted: true})
		require.NoError(t, err)
		for _, rec := range page.Items {
			if rec.Object.ID == id {
				return rec.CategoryName
			}
		}
		t.Fatalf("item %s not found", id)
		return catalog.None[string]()
	}

	assert.Equal(t, "Dairy (hint)", categoryOf("hinted").OrElse("<none>"))
	assert.False(t, categoryOf("bare").Present())

	_, err = store.Upsert(ctx, testCategory("cat-1", 1, catalog.Some("Dairy")))
	require.NoError(t, err)
	assert.Equal(t, "Dairy", categoryOf("hinted").OrElse(""))
	assert.Equal(t, "Dairy", categoryOf("bare").OrElse(""))

	// present but empty name falls back to the hint
	_, err = store.Upsert(ctx, testCategory("cat-1", 2, catalog.Some("")))
	require.NoError(t, err)
	assert.Equal(t, "Dairy (hint)", categoryOf("hinted").OrElse(""))
	assert.False(t, categoryOf("bare").Present())

	_, err = store.Upsert(ctx, testCategory("cat-1", 3, catalog.Some("Fridge")))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, catalog.Object{ID: "cat-1", Type: catalog.TypeCategory, Version: 4, IsDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, "Dairy (hint)", categoryOf("hinted").OrElse(""))

	// an item written after its category resolves the name at write time
	_, err = store.Upsert(ctx, testCategory("cat-2", 1, catalog.Some("Bakery")))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testItem("bread", 1, "Bread", withCategory("cat-2", catalog.None[string]())))
	require.NoError(t, err)
	page, err := store.QueryItems(ctx, ItemQuery{CategoryID: "cat-2"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Bakery", page.Items[0].CategoryName.OrElse(""))
}

func TestQueryItemsIsRestartable(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	names := []string{"delta", "alpha", "echo", "charlie", "bravo"}
	for i, name := range names {
		_, err := store.Upsert(ctx, testItem(name, int64(i+1), name))
		require.NoError(t, err)
	}
	_, err := store.Upsert(ctx, testCategory("not-an-item", 1, catalog.Some("aardvark")))
	require.NoError(t, err)

	var got []string
	cursor := ""
	for {
		page, err := store.QueryItems(ctx, ItemQuery{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		for _, rec := range page.Items {
			got = append(got, rec.Name())
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta", "echo"}, got)

	for range 2 {
		var seq []string
		for rec, err := range store.Items(ctx, ItemQuery{Limit: 3}) {
			require.NoError(t, err)
			seq = append(seq, rec.Name())
		}
		assert.Equal(t, got, seq)
	}

	_, err = store.QueryItems(ctx, ItemQuery{Cursor: "%%%"})
	assert.Error(t, err)
}

func TestSearchRanksBarcodeBeforeNameMatches(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	const barcode = "123456789012"

	_, err := store.Upsert(ctx, testItem("name-hit", 9, "Label 123456789012 roll"))
	require.NoError(t, err)
	_, err = store.Upsert(ctx, testItem("barcode-hit", 1, "Oat Milk", withVariation("OM-1", barcode, 499)))
	require.NoError(t, err)

	hits, err := store.SearchItems(ctx, SearchCriteria{Term: barcode, Barcode: true})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "barcode-hit", hits[0].Object.ID)
	assert.Equal(t, TierBarcode, hits[0].Tier)

	hits, err = store.SearchItems(ctx, SearchCriteria{Term: barcode, Barcode: true, SKU: true, Name: true, Category: true})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "barcode-hit", hits[0].Object.ID)
	assert.Equal(t, "name-hit", hits[1].Object.ID)
	assert.Equal(t, TierNameSubstring, hits[1].Tier)

	price, ok := hits[0].Price.Get()
	require.True(t, ok)
	assert.Equal(t, int64(499), price.Amount)
}

func TestSearchTiersAndRecency(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	objs := []catalog.Object{
		testItem("substring-new", 5, "Big Apple Pie"),
		testItem("substring-old", 2, "Green apple"),
		testItem("prefix", 1, "Apple juice"),
		testItem("sku", 3, "Cider", withVariation("APPLE", "", 0)),
		testItem("category", 4, "Crumble", withCategory("c", catalog.Some("Apple desserts"))),
		testItem("other", 6, "Banana"),
	}
	for _, obj := range objs {
		_, err := store.Upsert(ctx, obj)
		require.NoError(t, err)
	}

	hits, err := store.SearchItems(ctx, SearchCriteria{Term: "apple", SKU: true, Name: true, Category: true, Barcode: true})
	require.NoError(t, err)
	var ids []string
	for _, h := range hits {
		ids = append(ids, h.Object.ID)
	}
	assert.Equal(t, []string{"sku", "prefix", "substring-new", "substring-old", "category"}, ids)

	hits, err = store.SearchItems(ctx, SearchCriteria{Term: "apple", Name: true, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "substring-new", hits[0].Object.ID)

	hits, err = store.SearchItems(ctx, SearchCriteria{Term: "100%", Name: true})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestOpenRejectsUnknownSchemes(t *testing.T) {
	_, err := Open(context.Background(), "mysql://localhost/catalog", Options{})
	assert.True(t, errors.Is(err, ErrNotImplemented))

	_, err = Open(context.Background(), "ftp://example", Options{})
	assert.Error(t, err)

	_, err = Open(context.Background(), "  ", Options{})
	assert.ErrorIs(t, err, ErrInvalidDSN)
}

func TestMemoryBackendCleansUp(t *testing.T) {
	store, err := Open(context.Background(), "memory://", Options{})
	require.NoError(t, err)
	_, err = store.Upsert(context.Background(), testItem("A", 1, "a"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Upsert(context.Background(), testItem("B", 1, "b"))
	assert.ErrorIs(t, err, ErrStorageWrite)
}

func TestRebindForPostgres(t *testing.T) {
	got := DialectPostgres.rebind(`SELECT * FROM t WHERE a = ? AND b LIKE ? ESCAPE '\' AND c = '?' AND d = ?`)
	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b LIKE $2 ESCAPE '\' AND c = '?' AND d = $3`, got)
	assert.Equal(t, "a = ?", DialectSQLite.rebind("a = ?"))
}
