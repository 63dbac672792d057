package catalogstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/joylabs/catalogd/internal/catalog"
)

const (
	ScopeIncremental = "incremental"
	ScopeFull        = "full"
	ScopeEpoch       = "epoch"

	codeKindSKU     = "sku"
	codeKindBarcode = "barcode"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS catalog_objects (
		object_type TEXT NOT NULL,
		id TEXT NOT NULL,
		version BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		swept INTEGER NOT NULL DEFAULT 0,
		epoch BIGINT NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		display_name TEXT,
		name_norm TEXT NOT NULL DEFAULT '',
		category_id TEXT,
		category_hint TEXT,
		category_hint_norm TEXT,
		category_name TEXT,
		category_norm TEXT,
		price_amount BIGINT,
		price_currency TEXT,
		image_id TEXT,
		PRIMARY KEY (object_type, id)
	)`,
	`CREATE INDEX IF NOT EXISTS catalog_objects_id_idx ON catalog_objects (id)`,
	`CREATE INDEX IF NOT EXISTS catalog_objects_live_name_idx ON catalog_objects (object_type, is_deleted, name_norm, id)`,
	`CREATE INDEX IF NOT EXISTS catalog_objects_category_idx ON catalog_objects (category_id)`,
	`CREATE INDEX IF NOT EXISTS catalog_objects_epoch_idx ON catalog_objects (is_deleted, epoch)`,
	`CREATE TABLE IF NOT EXISTS catalog_item_codes (
		item_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		code TEXT NOT NULL,
		PRIMARY KEY (item_id, kind, code)
	)`,
	`CREATE INDEX IF NOT EXISTS catalog_item_codes_lookup_idx ON catalog_item_codes (kind, code)`,
	`CREATE TABLE IF NOT EXISTS catalog_sync_state (
		scope TEXT PRIMARY KEY,
		cursor TEXT,
		since_version BIGINT NOT NULL DEFAULT 0,
		high_water BIGINT NOT NULL DEFAULT 0,
		epoch BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0
	)`,
}

type Options struct {
	Logger       *zap.Logger
	Now          func() time.Time
	MaxOpenConns int
}

// Store is the local replica. Writers are serialized through Begin/Commit;
// readers run concurrently against committed snapshots.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
	now     func() time.Time
	cleanup func() error

	writeMu sync.Mutex
	epoch   atomic.Int64
	closed  atomic.Bool
}

func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	backend, err := openBackend(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog store: %w", err)
	}
	store, err := newStore(ctx, backend, opts)
	if err != nil {
		_ = backend.DB.Close()
		if backend.Cleanup != nil {
			_ = backend.Cleanup()
		}
		return nil, err
	}
	return store, nil
}

func newStore(ctx context.Context, backend Backend, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 8
	}
	backend.DB.SetMaxOpenConns(opts.MaxOpenConns)
	s := &Store{
		db:      backend.DB,
		dialect: backend.Dialect,
		logger:  opts.Logger,
		now:     opts.Now,
		cleanup: backend.Cleanup,
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	var epoch int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(epoch), 0) FROM catalog_sync_state`).Scan(&epoch); err != nil {
		return nil, fmt.Errorf("load epoch: %w", err)
	}
	s.epoch.Store(epoch)
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply catalog schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) CurrentEpoch() int64 {
	return s.epoch.Load()
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.db.Close()
	if s.cleanup != nil {
		if cleanupErr := s.cleanup(); err == nil {
			err = cleanupErr
		}
	}
	return err
}

func (s *Store) q(query string) string {
	return s.dialect.rebind(query)
}

// Upsert applies one object in its own transaction.
func (s *Store) Upsert(ctx context.Context, obj catalog.Object) (UpsertResult, error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return UpsertResult{}, err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.Upsert(ctx, obj)
	if err != nil {
		return UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	tx, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.SaveCheckpoint(ctx, cp); err != nil {
		return err
	}
	return tx.Commit()
}

// StartEpoch advances the write generation. Every row written from now on is
// stamped with the returned epoch.
func (s *Store) StartEpoch(ctx context.Context) (int64, error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	next := s.epoch.Load() + 1
	if err := tx.SaveCheckpoint(ctx, Checkpoint{Scope: ScopeEpoch, Epoch: next}); err != nil {
		return 0, err
	}
	// Published before the write lock is released so no writer can stamp the old epoch afterwards.
	tx.afterCommit = append(tx.afterCommit, func() { s.epoch.Store(next) })
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.logger.Debug("catalog epoch started", zap.Int64("epoch", next))
	return next, nil
}

// SweepResult lists the rows a sweep tombstoned.
type SweepResult struct {
	IDs   []string
	Types []catalog.ObjectType
}

func (r SweepResult) Count() int { return len(r.IDs) }

// SweepBefore tombstones every live row of the given types last written
// before epoch; no types means every type. Swept rows keep their version;
// re-listing the same version later revives them.
func (s *Store) SweepBefore(ctx context.Context, epoch int64, types []catalog.ObjectType) (SweepResult, error) {
	tx, err := s.Begin(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	filter := `is_deleted = 0 AND epoch < ?`
	args := []any{epoch}
	if len(types) > 0 {
		marks := make([]string, len(types))
		for i, t := range types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		filter += ` AND object_type IN (` + strings.Join(marks, ", ") + `)`
	}

	rows, err := tx.tx.QueryContext(ctx, s.q(`SELECT id, object_type FROM catalog_objects WHERE `+filter+` ORDER BY id`), args...)
	if err != nil {
		return SweepResult{}, writeErr("sweep", err)
	}
	var (
		result     SweepResult
		categories []string
		seenType   = map[catalog.ObjectType]struct{}{}
	)
	for rows.Next() {
		var id, objectType string
		if err := rows.Scan(&id, &objectType); err != nil {
			_ = rows.Close()
			return SweepResult{}, writeErr("sweep", err)
		}
		t := catalog.ObjectType(objectType)
		result.IDs = append(result.IDs, id)
		if _, ok := seenType[t]; !ok {
			seenType[t] = struct{}{}
			result.Types = append(result.Types, t)
		}
		if t == catalog.TypeCategory {
			categories = append(categories, id)
		}
	}
	if err := rows.Close(); err != nil {
		return SweepResult{}, writeErr("sweep", err)
	}
	if len(result.IDs) == 0 {
		return result, nil
	}

	if _, err := tx.tx.ExecContext(ctx, s.q(`UPDATE catalog_objects SET is_deleted = 1, swept = 1 WHERE `+filter), args...); err != nil {
		return SweepResult{}, writeErr("sweep", err)
	}
	for _, id := range categories {
		if err := tx.refreshCategoryRefs(ctx, id, catalog.None[string]()); err != nil {
			return SweepResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return SweepResult{}, err
	}
	s.logger.Info("catalog rows swept", zap.Int64("epoch", epoch), zap.Int("rows", result.Count()))
	return result, nil
}

func (s *Store) GetByID(ctx context.Context, id string) (catalog.Object, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT object_type, id, version, updated_at, is_deleted, payload
		FROM catalog_objects
		WHERE id = ?
		ORDER BY version DESC
		LIMIT 1`), id)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Object{}, false, nil
	}
	if err != nil {
		return catalog.Object{}, false, err
	}
	return obj, true, nil
}

// StoredVersion reports the highest version applied for id, tombstones included.
func (s *Store) StoredVersion(ctx context.Context, id string) (int64, bool, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT version FROM catalog_objects WHERE id = ? ORDER BY version DESC LIMIT 1`), id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, true, nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, scope string) (Checkpoint, error) {
	var (
		cursor    sql.NullString
		updatedAt int64
	)
	cp := Checkpoint{Scope: scope}
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT cursor, since_version, high_water, epoch, updated_at
		FROM catalog_sync_state
		WHERE scope = ?`), scope).Scan(&cursor, &cp.SinceVersion, &cp.HighWater, &cp.Epoch, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, nil
	}
	if err != nil {
		return Checkpoint{}, err
	}
	if cursor.Valid {
		cp.Cursor = catalog.Some(cursor.String)
	}
	if updatedAt > 0 {
		cp.UpdatedAt = time.Unix(0, updatedAt).UTC()
	}
	return cp, nil
}

type Counts struct {
	Live       int `json:"live"`
	Tombstones int `json:"tombstones"`
	LiveItems  int `json:"liveItems"`
}

func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT
			COALESCE(SUM(CASE WHEN is_deleted = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_deleted = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_deleted = 0 AND object_type = ? THEN 1 ELSE 0 END), 0)
		FROM catalog_objects`), string(catalog.TypeItem)).Scan(&c.Live, &c.Tombstones, &c.LiveItems)
	return c, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (catalog.Object, error) {
	var (
		objType   string
		obj       catalog.Object
		updatedAt int64
		deleted   int
		payload   string
	)
	if err := row.Scan(&objType, &obj.ID, &obj.Version, &updatedAt, &deleted, &payload); err != nil {
		return catalog.Object{}, err
	}
	return finishObject(obj, objType, updatedAt, deleted, payload)
}

func finishObject(obj catalog.Object, objType string, updatedAt int64, deleted int, payload string) (catalog.Object, error) {
	obj.Type = catalog.ObjectType(objType)
	obj.UpdatedAt = time.Unix(0, updatedAt).UTC()
	obj.IsDeleted = deleted != 0
	p, err := catalog.UnmarshalPayload(obj.Type, []byte(payload))
	if err != nil {
		return catalog.Object{}, fmt.Errorf("decode stored %s %s: %w", obj.Type, obj.ID, err)
	}
	obj.Payload = p
	return obj, nil
}
