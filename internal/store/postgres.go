// Package store implements the Record Store (C4): relational persistence of
// encrypted records, content-addressed payload deduplication, and the
// homomorphic predicate scans that drive search_by_index/search_by_range.
// Grounded on the teacher's store_postgres.go files (*sql.DB,
// ExecContext/QueryRowContext/QueryContext, row-scan helpers), generalized
// from their PostgREST-collaborator shape to direct database/sql + lib/pq.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/R3E-Network/secure-index/internal/cache"
	"github.com/R3E-Network/secure-index/internal/config"
	"github.com/R3E-Network/secure-index/internal/errs"
	"github.com/R3E-Network/secure-index/internal/heindex"
)

// Store is the C4 Record Store. Construct with Open.
type Store struct {
	db      *sql.DB
	sqlxDB  *sqlx.DB
	timeout time.Duration

	recordCache   *cache.LRU[uint64, Record]
	equalityCache *cache.LRU[uint64, []uint64]
	rangeCache    *cache.LRU[string, []uint64]
	refCache      *referenceCache
}

// Open wraps an existing *sql.DB (already connected, driver "postgres")
// with the Record Store's caches. It does not run migrations; call
// RunMigrations separately so callers control when schema changes apply.
func Open(db *sql.DB, cfg config.CacheConfig, timeout time.Duration) *Store {
	return &Store{
		db:            db,
		sqlxDB:        sqlx.NewDb(db, "postgres"),
		timeout:       timeout,
		recordCache:   cache.New[uint64, Record](cfg.RecordCapacity),
		equalityCache: cache.New[uint64, []uint64](cfg.EqualityCapacity),
		rangeCache:    cache.New[string, []uint64](cfg.RangeCapacity),
		refCache:      newReferenceCache(),
	}
}

func (s *Store) invalidateQueryCaches() {
	s.equalityCache.Clear()
	s.rangeCache.Clear()
}

// Add inserts one record plus its optional range-query bit rows inside a
// single transaction, deduplicating the payload ciphertext by hash.
func (s *Store) Add(ctx context.Context, in AddInput) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.WrapIOFail("begin add transaction", err)
	}
	defer tx.Rollback()

	id, err := s.addRecordTx(ctx, tx, in)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.WrapIOFail("commit add transaction", err)
	}
	s.invalidateQueryCaches()
	return id, nil
}

func (s *Store) addRecordTx(ctx context.Context, tx *sql.Tx, in AddInput) (uint64, error) {
	hash := payloadHash(in.EncryptedPayload)
	if err := s.resolveReferenceTx(ctx, tx, hash, in.EncryptedPayload); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var id uint64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO encrypted_records (encrypted_index, encrypted_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, in.EncryptedIndex, in.EncryptedPayload, now, now).Scan(&id)
	if err != nil {
		return 0, errs.WrapIOFail("insert record", err)
	}

	for pos, bit := range in.EncryptedBits {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO range_query_indices (record_id, bit_position, encrypted_bit)
			VALUES ($1, $2, $3)
		`, id, pos, bit); err != nil {
			return 0, errs.WrapIOFail("insert range bit row", err)
		}
	}
	return id, nil
}

// AddBatch inserts every row inside a single transaction; the returned id
// list preserves input order. On any failure the whole batch rolls back.
func (s *Store) AddBatch(ctx context.Context, ins []AddInput) ([]uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.WrapIOFail("begin add-batch transaction", err)
	}
	defer tx.Rollback()

	ids := make([]uint64, 0, len(ins))
	for i, in := range ins {
		id, err := s.addRecordTx(ctx, tx, in)
		if err != nil {
			return nil, errs.Wrap(errs.CodeOf(err), fmt.Sprintf("add-batch failed at row %d of %d", i, len(ins)), err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.WrapIOFail("commit add-batch transaction", err)
	}
	s.invalidateQueryCaches()
	return ids, nil
}

func scanRecord(scanner interface {
	Scan(dest ...any) error
}) (Record, error) {
	var r Record
	if err := scanner.Scan(&r.ID, &r.EncryptedIndex, &r.EncryptedPayload, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	return r, nil
}

// GetByID returns the record for id, cache-first. A missing id returns
// (Record{}, false, nil) — absence is a value, not an error (spec §7).
func (s *Store) GetByID(ctx context.Context, id uint64) (Record, bool, error) {
	if r, ok := s.recordCache.Get(id); ok {
		return r, true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, encrypted_index, encrypted_payload, created_at, updated_at
		FROM encrypted_records WHERE id = $1
	`, id)
	r, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, errs.WrapIOFail("get record by id", err)
	}
	s.recordCache.Put(id, r)
	return r, true, nil
}

// GetByIDs partitions ids into cache hits and misses, issues a single
// IN (...) query for the misses, and merges results preserving input order.
func (s *Store) GetByIDs(ctx context.Context, ids []uint64) ([]Record, error) {
	out := make([]Record, 0, len(ids))
	found := make(map[uint64]Record, len(ids))

	var misses []uint64
	for _, id := range ids {
		if r, ok := s.recordCache.Get(id); ok {
			found[id] = r
		} else {
			misses = append(misses, id)
		}
	}

	if len(misses) > 0 {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		query, args, err := sqlx.In(`
			SELECT id, encrypted_index, encrypted_payload, created_at, updated_at
			FROM encrypted_records WHERE id IN (?)
		`, misses)
		if err != nil {
			return nil, errs.WrapInternal("build in-clause query", err)
		}
		query = s.sqlxDB.Rebind(query)

		rows, err := s.sqlxDB.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, errs.WrapIOFail("get records by ids", err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRecord(rows)
			if err != nil {
				return nil, errs.WrapIOFail("scan record row", err)
			}
			found[r.ID] = r
			s.recordCache.Put(r.ID, r)
		}
		if err := rows.Err(); err != nil {
			return nil, errs.WrapIOFail("iterate record rows", err)
		}
	}

	for _, id := range ids {
		if r, ok := found[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListAll returns every record, ordered by id. Used by export_data/export_records.
func (s *Store) ListAll(ctx context.Context) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, encrypted_index, encrypted_payload, created_at, updated_at
		FROM encrypted_records ORDER BY id
	`)
	if err != nil {
		return nil, errs.WrapIOFail("list all records", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, errs.WrapIOFail("scan record row", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.WrapIOFail("iterate record rows", err)
	}
	return out, nil
}

// SearchByIndex evaluates the homomorphic equality predicate against every
// stored index ciphertext, full-scan (the server cannot index ciphertexts),
// caching the resulting id list keyed by the plaintext query value.
func (s *Store) SearchByIndex(ctx context.Context, fhe *heindex.Engine, v uint64) ([]uint64, error) {
	if ids, ok := s.equalityCache.Get(v); ok {
		return append([]uint64(nil), ids...), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT id, encrypted_index FROM encrypted_records`)
	if err != nil {
		return nil, errs.WrapIOFail("scan records for equality search", err)
	}
	defer rows.Close()

	var matches []uint64
	for rows.Next() {
		var id uint64
		var encIdx []byte
		if err := rows.Scan(&id, &encIdx); err != nil {
			return nil, errs.WrapIOFail("scan equality search row", err)
		}
		match, err := fhe.CompareEncrypted(encIdx, v)
		if err != nil {
			return nil, err
		}
		if match {
			matches = append(matches, id)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errs.WrapIOFail("iterate equality search rows", err)
	}

	s.equalityCache.Put(v, matches)
	return append([]uint64(nil), matches...), nil
}

// SearchByRange evaluates the homomorphic range predicate against every
// record that has range-query bit rows. Records without bit rows are
// excluded (documented limitation, spec §4.4).
func (s *Store) SearchByRange(ctx context.Context, fhe *heindex.Engine, lo, hi *uint64) ([]uint64, error) {
	key := rangeCacheKey(lo, hi)
	if ids, ok := s.rangeCache.Get(key); ok {
		return append([]uint64(nil), ids...), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, bit_position, encrypted_bit
		FROM range_query_indices
		ORDER BY record_id, bit_position
	`)
	if err != nil {
		return nil, errs.WrapIOFail("scan range bit rows", err)
	}
	defer rows.Close()

	bitsByRecord := make(map[uint64][][]byte)
	order := make([]uint64, 0)
	for rows.Next() {
		var recordID uint64
		var bitPos int
		var bit []byte
		if err := rows.Scan(&recordID, &bitPos, &bit); err != nil {
			return nil, errs.WrapIOFail("scan range bit row", err)
		}
		if _, ok := bitsByRecord[recordID]; !ok {
			order = append(order, recordID)
		}
		bitsByRecord[recordID] = append(bitsByRecord[recordID], bit)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.WrapIOFail("iterate range bit rows", err)
	}

	var matches []uint64
	for _, recordID := range order {
		inRange, err := fhe.CompareRange(bitsByRecord[recordID], lo, hi)
		if err != nil {
			return nil, err
		}
		if inRange {
			matches = append(matches, recordID)
		}
	}

	s.rangeCache.Put(key, matches)
	return append([]uint64(nil), matches...), nil
}

func rangeCacheKey(lo, hi *uint64) string {
	loStr, hiStr := "-", "-"
	if lo != nil {
		loStr = fmt.Sprintf("%d", *lo)
	}
	if hi != nil {
		hiStr = fmt.Sprintf("%d", *hi)
	}
	return loStr + ".." + hiStr
}

// Update replaces a record's payload (the index is immutable by design),
// refreshes the record cache entry, and invalidates both query caches.
func (s *Store) Update(ctx context.Context, id uint64, newPayload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.WrapIOFail("begin update transaction", err)
	}
	defer tx.Rollback()

	hash := payloadHash(newPayload)
	if err := s.resolveReferenceTx(ctx, tx, hash, newPayload); err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE encrypted_records SET encrypted_payload = $1, updated_at = $2 WHERE id = $3
	`, newPayload, now, id)
	if err != nil {
		return errs.WrapIOFail("update record payload", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.WrapIOFail("read update row count", err)
	}
	if affected == 0 {
		return errs.NewNotFound("record", fmt.Sprintf("%d", id))
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, encrypted_index, encrypted_payload, created_at, updated_at
		FROM encrypted_records WHERE id = $1
	`, id)
	updated, err := scanRecord(row)
	if err != nil {
		return errs.WrapIOFail("reload updated record", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.WrapIOFail("commit update transaction", err)
	}

	s.recordCache.Put(id, updated)
	s.invalidateQueryCaches()
	return nil
}

// Delete cascades the record's range bit rows via the schema's ON DELETE
// CASCADE, evicts it from the record cache, and invalidates both query
// caches.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, `DELETE FROM encrypted_records WHERE id = $1`, id)
	if err != nil {
		return errs.WrapIOFail("delete record", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errs.WrapIOFail("read delete row count", err)
	}
	if affected == 0 {
		return errs.NewNotFound("record", fmt.Sprintf("%d", id))
	}

	s.recordCache.Remove(id)
	s.invalidateQueryCaches()
	return nil
}

// DeleteBatch deletes every id in a single transaction.
func (s *Store) DeleteBatch(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	int64IDs := make([]int64, len(ids))
	for i, id := range ids {
		int64IDs[i] = int64(id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.WrapIOFail("begin delete-batch transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM encrypted_records WHERE id = ANY($1)`, pq.Array(int64IDs)); err != nil {
		return errs.WrapIOFail("delete-batch records", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.WrapIOFail("commit delete-batch transaction", err)
	}

	for _, id := range ids {
		s.recordCache.Remove(id)
	}
	s.invalidateQueryCaches()
	return nil
}

// UpdateByIndex searches by equality predicate then updates every matching
// record's payload. Not a single SQL transaction: on partial failure the
// successfully updated ids are returned alongside the error.
func (s *Store) UpdateByIndex(ctx context.Context, fhe *heindex.Engine, v uint64, newPayload []byte) ([]uint64, error) {
	ids, err := s.SearchByIndex(ctx, fhe, v)
	if err != nil {
		return nil, err
	}
	return s.updateEach(ctx, ids, newPayload)
}

// UpdateByRange searches by range predicate then updates every matching
// record's payload.
func (s *Store) UpdateByRange(ctx context.Context, fhe *heindex.Engine, lo, hi *uint64, newPayload []byte) ([]uint64, error) {
	ids, err := s.SearchByRange(ctx, fhe, lo, hi)
	if err != nil {
		return nil, err
	}
	return s.updateEach(ctx, ids, newPayload)
}

func (s *Store) updateEach(ctx context.Context, ids []uint64, newPayload []byte) ([]uint64, error) {
	updated := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if err := s.Update(ctx, id, newPayload); err != nil {
			return updated, err
		}
		updated = append(updated, id)
	}
	return updated, nil
}

// DeleteByIndex searches by equality predicate then deletes every matching
// record in a single batch.
func (s *Store) DeleteByIndex(ctx context.Context, fhe *heindex.Engine, v uint64) ([]uint64, error) {
	ids, err := s.SearchByIndex(ctx, fhe, v)
	if err != nil {
		return nil, err
	}
	if err := s.DeleteBatch(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// DeleteByRange searches by range predicate then deletes every matching
// record in a single batch.
func (s *Store) DeleteByRange(ctx context.Context, fhe *heindex.Engine, lo, hi *uint64) ([]uint64, error) {
	ids, err := s.SearchByRange(ctx, fhe, lo, hi)
	if err != nil {
		return nil, err
	}
	if err := s.DeleteBatch(ctx, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// CacheStats reports the get_stats() snapshot of each of the three caches.
type CacheStats struct {
	Record   cache.Stats
	Equality cache.Stats
	Range    cache.Stats
}

// GetCacheStats returns a snapshot of all three cache layers.
func (s *Store) GetCacheStats() CacheStats {
	return CacheStats{
		Record:   s.recordCache.GetStats(),
		Equality: s.equalityCache.GetStats(),
		Range:    s.rangeCache.GetStats(),
	}
}

// ClearCaches empties all three caches and the reference cache.
func (s *Store) ClearCaches() {
	s.recordCache.Clear()
	s.equalityCache.Clear()
	s.rangeCache.Clear()
	s.refCache.clear()
}
