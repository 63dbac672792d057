package catalogstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/joylabs/catalogd/internal/catalog"
)

const itemColumns = `object_type, id, version, updated_at, is_deleted, payload, category_name, price_amount, price_currency, image_id, name_norm`

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// ItemRecord is an item with the fields derived at write time.
type ItemRecord struct {
	Object       catalog.Object
	CategoryName catalog.Opt[string]
	Price        catalog.Opt[catalog.Money]
	ImageID      catalog.Opt[string]
	nameNorm     string
}

func (r ItemRecord) Name() string {
	return r.Object.DisplayName()
}

type ItemQuery struct {
	CategoryID     string
	IncludeDeleted bool
	Cursor         string
	Limit          int
}

type ItemPage struct {
	Items      []ItemRecord
	NextCursor string
}

type itemCursor struct {
	Name string `json:"n"`
	ID   string `json:"i"`
}

func encodeItemCursor(r ItemRecord) string {
	data, _ := json.Marshal(itemCursor{Name: r.nameNorm, ID: r.Object.ID})
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeItemCursor(raw string) (itemCursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return itemCursor{}, fmt.Errorf("invalid item cursor: %w", err)
	}
	var c itemCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return itemCursor{}, fmt.Errorf("invalid item cursor: %w", err)
	}
	return c, nil
}

// QueryItems returns items ordered by normalised name. Pass NextCursor back in
// to continue; an empty NextCursor means the sequence is finished.
func (s *Store) QueryItems(ctx context.Context, q ItemQuery) (ItemPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	var (
		where = []string{"object_type = ?"}
		args  = []any{string(catalog.TypeItem)}
	)
	if !q.IncludeDeleted {
		where = append(where, "is_deleted = 0")
	}
	if id := strings.TrimSpace(q.CategoryID); id != "" {
		where = append(where, "category_id = ?")
		args = append(args, id)
	}
	if q.Cursor != "" {
		c, err := decodeItemCursor(q.Cursor)
		if err != nil {
			return ItemPage{}, err
		}
		where = append(where, "(name_norm > ? OR (name_norm = ? AND id > ?))")
		args = append(args, c.Name, c.Name, c.ID)
	}
	args = append(args, limit+1)
	query := "SELECT " + itemColumns + " FROM catalog_objects WHERE " + strings.Join(where, " AND ") +
		" ORDER BY name_norm ASC, id ASC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return ItemPage{}, err
	}
	defer rows.Close()

	page := ItemPage{Items: make([]ItemRecord, 0, limit)}
	for rows.Next() {
		rec, err := scanItem(rows)
		if err != nil {
			return ItemPage{}, err
		}
		page.Items = append(page.Items, rec)
	}
	if err := rows.Err(); err != nil {
		return ItemPage{}, err
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.NextCursor = encodeItemCursor(page.Items[limit-1])
	}
	return page, nil
}

// Items walks every page of q. Each range over the sequence starts again from
// q.Cursor.
func (s *Store) Items(ctx context.Context, q ItemQuery) iter.Seq2[ItemRecord, error] {
	return func(yield func(ItemRecord, error) bool) {
		query := q
		for {
			page, err := s.QueryItems(ctx, query)
			if err != nil {
				yield(ItemRecord{}, err)
				return
			}
			for _, rec := range page.Items {
				if !yield(rec, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			query.Cursor = page.NextCursor
		}
	}
}

type SearchCriteria struct {
	Term       string
	Barcode    bool
	SKU        bool
	Name       bool
	Category   bool
	CategoryID string
	Offset     int
	Limit      int
}

// Match tiers, best first.
const (
	TierBarcode       = 1
	TierSKU           = 2
	TierNamePrefix    = 3
	TierNameSubstring = 4
	TierCategory      = 5
)

type ItemHit struct {
	ItemRecord
	Tier int
}

// SearchItems ranks live items by match tier, then by most recent update.
func (s *Store) SearchItems(ctx context.Context, c SearchCriteria) ([]ItemHit, error) {
	code := catalog.NormalizeCode(c.Term)
	text := catalog.NormalizeText(c.Term)
	var (
		cases []string
		args  []any
	)
	if c.Barcode && code != "" {
		cases = append(cases, "WHEN EXISTS (SELECT 1 FROM catalog_item_codes c WHERE c.item_id = o.id AND c.kind = ? AND c.code = ?) THEN 1")
		args = append(args, codeKindBarcode, code)
	}
	if c.SKU && code != "" {
		cases = append(cases, "WHEN EXISTS (SELECT 1 FROM catalog_item_codes c WHERE c.item_id = o.id AND c.kind = ? AND c.code = ?) THEN 2")
		args = append(args, codeKindSKU, code)
	}
	if c.Name && text != "" {
		escaped := escapeLike(text)
		cases = append(cases,
			`WHEN o.name_norm LIKE ? ESCAPE '\' THEN 3`,
			`WHEN o.name_norm LIKE ? ESCAPE '\' THEN 4`)
		args = append(args, escaped+"%", "%"+escaped+"%")
	}
	if c.Category && text != "" {
		cases = append(cases, `WHEN o.category_norm LIKE ? ESCAPE '\' THEN 5`)
		args = append(args, "%"+escapeLike(text)+"%")
	}
	if len(cases) == 0 {
		return nil, nil
	}

	inner := "SELECT o.*, CASE " + strings.Join(cases, " ") + " ELSE 0 END AS tier FROM catalog_objects o WHERE o.object_type = ? AND o.is_deleted = 0"
	args = append(args, string(catalog.TypeItem))
	if id := strings.TrimSpace(c.CategoryID); id != "" {
		inner += " AND o.category_id = ?"
		args = append(args, id)
	}
	limit := c.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}
	offset := c.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := "SELECT " + itemColumns + ", tier FROM (" + inner + ") ranked WHERE tier > 0 ORDER BY tier ASC, updated_at DESC, id ASC LIMIT ? OFFSET ?"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []ItemHit
	for rows.Next() {
		var hit ItemHit
		rec, err := scanItem(rows, &hit.Tier)
		if err != nil {
			return nil, err
		}
		hit.ItemRecord = rec
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanItem(rows *sql.Rows, extra ...any) (ItemRecord, error) {
	var (
		objType       string
		obj           catalog.Object
		updatedAt     int64
		deleted       int
		payload       string
		categoryName  sql.NullString
		priceAmount   sql.NullInt64
		priceCurrency sql.NullString
		imageID       sql.NullString
		rec           ItemRecord
	)
	dest := []any{&objType, &obj.ID, &obj.Version, &updatedAt, &deleted, &payload, &categoryName, &priceAmount, &priceCurrency, &imageID, &rec.nameNorm}
	dest = append(dest, extra...)
	if err := rows.Scan(dest...); err != nil {
		return ItemRecord{}, err
	}
	obj, err := finishObject(obj, objType, updatedAt, deleted, payload)
	if err != nil {
		return ItemRecord{}, err
	}
	rec.Object = obj
	if categoryName.Valid {
		rec.CategoryName = catalog.Some(categoryName.String)
	}
	if priceAmount.Valid {
		rec.Price = catalog.Some(catalog.Money{Amount: priceAmount.Int64, Currency: priceCurrency.String})
	}
	if imageID.Valid {
		rec.ImageID = catalog.Some(imageID.String)
	}
	return rec, nil
}
