package catalogstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/joylabs/catalogd/internal/catalog"
)

type Outcome int

const (
	Applied Outcome = iota + 1
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

type SkipReason string

const StaleVersion SkipReason = "stale_version"

type UpsertResult struct {
	Outcome       Outcome
	Reason        SkipReason
	StoredVersion int64
}

// Checkpoint is the persisted sync position for one scope. Cursor is absent
// once a pass has exhausted its pages.
type Checkpoint struct {
	Scope        string
	Cursor       catalog.Opt[string]
	SinceVersion int64
	HighWater    int64
	Epoch        int64
	UpdatedAt    time.Time
}

// Tx is a write transaction. Only one Tx is open per Store at a time.
type Tx struct {
	store       *Store
	tx          *sql.Tx
	epoch       int64
	done        bool
	afterCommit []func()
}

func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	if s.closed.Load() {
		return nil, writeErr("begin", ErrClosed)
	}
	s.writeMu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return nil, writeErr("begin", err)
	}
	return &Tx{store: s, tx: tx, epoch: s.epoch.Load()}, nil
}

func (t *Tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.store.writeMu.Unlock()
	if err := t.tx.Commit(); err != nil {
		return writeErr("commit", err)
	}
	for _, fn := range t.afterCommit {
		fn()
	}
	return nil
}

// Rollback is a no-op after Commit so it can be deferred unconditionally.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.writeMu.Unlock()
	return t.tx.Rollback()
}

func (t *Tx) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, t.store.q(query), args...)
	if err != nil {
		return nil, writeErr(op, err)
	}
	return res, nil
}

// Upsert applies obj when its version is newer than the stored one. An equal
// version is re-applied only when the stored row was swept by a full sync.
func (t *Tx) Upsert(ctx context.Context, obj catalog.Object) (UpsertResult, error) {
	if t.done {
		return UpsertResult{}, ErrTxDone
	}
	obj.ID = strings.TrimSpace(obj.ID)
	if obj.ID == "" || !obj.Type.Valid() || obj.Version < 0 {
		return UpsertResult{}, ErrInvalidObject
	}

	var (
		stored int64
		swept  int
	)
	err := t.tx.QueryRowContext(ctx, t.store.q(`SELECT version, swept FROM catalog_objects WHERE object_type = ? AND id = ?`), string(obj.Type), obj.ID).Scan(&stored, &swept)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return UpsertResult{}, writeErr("upsert", err)
	}
	if exists && (obj.Version < stored || (obj.Version == stored && swept == 0)) {
		// Still listed by the provider, so it must survive the current epoch's sweep.
		if _, err := t.exec(ctx, "upsert", `UPDATE catalog_objects SET epoch = ? WHERE object_type = ? AND id = ? AND swept = 0 AND epoch < ?`, t.epoch, string(obj.Type), obj.ID, t.epoch); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Outcome: Skipped, Reason: StaleVersion, StoredVersion: stored}, nil
	}

	if obj.Payload == nil && exists {
		// Tombstones often arrive without data; keep the last known payload.
		var payload string
		if err := t.tx.QueryRowContext(ctx, t.store.q(`SELECT payload FROM catalog_objects WHERE object_type = ? AND id = ?`), string(obj.Type), obj.ID).Scan(&payload); err != nil {
			return UpsertResult{}, writeErr("upsert", err)
		}
		if p, err := catalog.UnmarshalPayload(obj.Type, []byte(payload)); err == nil {
			obj.Payload = p
		}
	}

	row, err := deriveRow(obj)
	if err != nil {
		return UpsertResult{}, writeErr("upsert", err)
	}
	if obj.UpdatedAt.IsZero() {
		obj.UpdatedAt = t.store.now()
	}
	if row.categoryID.Valid && !obj.IsDeleted {
		name, err := t.categoryName(ctx, row.categoryID.String)
		if err != nil {
			return UpsertResult{}, err
		}
		row.resolveCategory(name)
	}

	args := []any{
		obj.Version, obj.UpdatedAt.UnixNano(), boolInt(obj.IsDeleted), t.epoch, row.payload,
		row.displayName, row.nameNorm, row.categoryID, row.categoryHint, row.categoryHintNorm,
		row.categoryName, row.categoryNorm, row.priceAmount, row.priceCurrency, row.imageID,
		string(obj.Type), obj.ID,
	}
	if exists {
		_, err = t.exec(ctx, "upsert", `
			UPDATE catalog_objects SET
				version = ?, updated_at = ?, is_deleted = ?, swept = 0, epoch = ?, payload = ?,
				display_name = ?, name_norm = ?, category_id = ?, category_hint = ?, category_hint_norm = ?,
				category_name = ?, category_norm = ?, price_amount = ?, price_currency = ?, image_id = ?
			WHERE object_type = ? AND id = ?`, args...)
	} else {
		_, err = t.exec(ctx, "upsert", `
			INSERT INTO catalog_objects (
				version, updated_at, is_deleted, swept, epoch, payload,
				display_name, name_norm, category_id, category_hint, category_hint_norm,
				category_name, category_norm, price_amount, price_currency, image_id,
				object_type, id
			) VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	}
	if err != nil {
		return UpsertResult{}, err
	}

	if obj.Type == catalog.TypeItem {
		if err := t.replaceCodes(ctx, obj.ID, row.codes); err != nil {
			return UpsertResult{}, err
		}
	}
	if obj.Type == catalog.TypeCategory {
		name := catalog.None[string]()
		if !obj.IsDeleted && row.displayName.Valid {
			name = catalog.Some(row.displayName.String)
		}
		if err := t.refreshCategoryRefs(ctx, obj.ID, name); err != nil {
			return UpsertResult{}, err
		}
	}
	return UpsertResult{Outcome: Applied, StoredVersion: obj.Version}, nil
}

// SaveCheckpoint persists cp inside the transaction, so a page and the cursor
// that follows it commit together.
func (t *Tx) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	if t.done {
		return ErrTxDone
	}
	if strings.TrimSpace(cp.Scope) == "" {
		return writeErr("checkpoint", errors.New("checkpoint scope is required"))
	}
	var cursor sql.NullString
	if v, ok := cp.Cursor.Get(); ok {
		cursor = sql.NullString{String: v, Valid: true}
	}
	now := t.store.now().UnixNano()
	res, err := t.exec(ctx, "checkpoint", `
		UPDATE catalog_sync_state
		SET cursor = ?, since_version = ?, high_water = ?, epoch = ?, updated_at = ?
		WHERE scope = ?`, cursor, cp.SinceVersion, cp.HighWater, cp.Epoch, now, cp.Scope)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = t.exec(ctx, "checkpoint", `
		INSERT INTO catalog_sync_state (scope, cursor, since_version, high_water, epoch, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, cp.Scope, cursor, cp.SinceVersion, cp.HighWater, cp.Epoch, now)
	return err
}

func (t *Tx) categoryName(ctx context.Context, categoryID string) (catalog.Opt[string], error) {
	var (
		name    sql.NullString
		deleted int
	)
	err := t.tx.QueryRowContext(ctx, t.store.q(`SELECT display_name, is_deleted FROM catalog_objects WHERE object_type = ? AND id = ?`), string(catalog.TypeCategory), categoryID).Scan(&name, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.None[string](), nil
	}
	if err != nil {
		return catalog.None[string](), writeErr("upsert", err)
	}
	if deleted != 0 || !name.Valid {
		return catalog.None[string](), nil
	}
	return catalog.Some(name.String), nil
}

// refreshCategoryRefs rewrites the denormalised category name on every item
// pointing at categoryID, falling back to each item's own hint.
func (t *Tx) refreshCategoryRefs(ctx context.Context, categoryID string, name catalog.Opt[string]) error {
	if resolved, ok := catalog.NonEmpty(name); ok {
		_, err := t.exec(ctx, "category refresh", `
			UPDATE catalog_objects SET category_name = ?, category_norm = ?
			WHERE object_type = ? AND category_id = ?`,
			resolved, catalog.NormalizeText(resolved), string(catalog.TypeItem), categoryID)
		return err
	}
	_, err := t.exec(ctx, "category refresh", `
		UPDATE catalog_objects SET category_name = category_hint, category_norm = category_hint_norm
		WHERE object_type = ? AND category_id = ?`,
		string(catalog.TypeItem), categoryID)
	return err
}

func (t *Tx) replaceCodes(ctx context.Context, itemID string, codes []itemCode) error {
	if _, err := t.exec(ctx, "item codes", `DELETE FROM catalog_item_codes WHERE item_id = ?`, itemID); err != nil {
		return err
	}
	for _, c := range codes {
		if _, err := t.exec(ctx, "item codes", `INSERT INTO catalog_item_codes (item_id, kind, code) VALUES (?, ?, ?)`, itemID, c.kind, c.code); err != nil {
			return err
		}
	}
	return nil
}

type itemCode struct {
	kind string
	code string
}

// objectRow holds the columns precomputed at write time so search never joins.
type objectRow struct {
	payload          string
	displayName      sql.NullString
	nameNorm         string
	categoryID       sql.NullString
	categoryHint     sql.NullString
	categoryHintNorm sql.NullString
	categoryName     sql.NullString
	categoryNorm     sql.NullString
	priceAmount      sql.NullInt64
	priceCurrency    sql.NullString
	imageID          sql.NullString
	codes            []itemCode
}

func deriveRow(obj catalog.Object) (objectRow, error) {
	data, err := catalog.MarshalPayload(obj.Payload)
	if err != nil {
		return objectRow{}, err
	}
	row := objectRow{payload: string(data)}
	if name, ok := displayNameOf(obj.Payload); ok {
		row.displayName = sql.NullString{String: name, Valid: true}
		row.nameNorm = catalog.NormalizeText(name)
	}
	item, ok := obj.ItemPayload()
	if !ok {
		return row, nil
	}
	if id, ok := catalog.NonEmpty(item.CategoryID); ok {
		row.categoryID = sql.NullString{String: strings.TrimSpace(id), Valid: true}
	}
	if hint, ok := catalog.NonEmpty(item.CategoryName); ok {
		row.categoryHint = sql.NullString{String: hint, Valid: true}
		row.categoryHintNorm = sql.NullString{String: catalog.NormalizeText(hint), Valid: true}
	}
	row.categoryName = row.categoryHint
	row.categoryNorm = row.categoryHintNorm
	if price, ok := item.FirstPrice().Get(); ok {
		row.priceAmount = sql.NullInt64{Int64: price.Amount, Valid: true}
		row.priceCurrency = sql.NullString{String: strings.ToUpper(price.Currency), Valid: true}
	}
	if imageID, ok := item.PrimaryImageID().Get(); ok {
		row.imageID = sql.NullString{String: imageID, Valid: true}
	}
	if obj.IsDeleted {
		return row, nil
	}
	seen := map[itemCode]struct{}{}
	add := func(kind string, values []string) {
		for _, v := range values {
			c := itemCode{kind: kind, code: catalog.NormalizeCode(v)}
			if c.code == "" {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			row.codes = append(row.codes, c)
		}
	}
	add(codeKindSKU, item.SKUs())
	add(codeKindBarcode, item.Barcodes())
	return row, nil
}

// resolveCategory applies the fallback chain: the category object's non-empty
// name, else the item's own category hint, else nothing.
func (r *objectRow) resolveCategory(fromCategory catalog.Opt[string]) {
	if name, ok := catalog.NonEmpty(fromCategory); ok {
		r.categoryName = sql.NullString{String: name, Valid: true}
		r.categoryNorm = sql.NullString{String: catalog.NormalizeText(name), Valid: true}
		return
	}
	r.categoryName = r.categoryHint
	r.categoryNorm = r.categoryHintNorm
}

func displayNameOf(p catalog.Payload) (string, bool) {
	switch v := p.(type) {
	case *catalog.Item:
		return v.Name.Get()
	case *catalog.Category:
		return v.Name.Get()
	case *catalog.Tax:
		return v.Name.Get()
	case *catalog.ModifierList:
		return v.Name.Get()
	case *catalog.Modifier:
		return v.Name.Get()
	case *catalog.Image:
		return v.Name.Get()
	}
	return "", false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
