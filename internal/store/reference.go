package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/R3E-Network/secure-index/internal/errs"
)

// payloadHash returns the hex-encoded xxhash64 of a payload ciphertext, the
// content-address used by the reference table's GC bookkeeping (spec §3).
func payloadHash(data []byte) string {
	sum := xxhash.Sum64(data)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(sum >> (56 - 8*i))
	}
	return hex.EncodeToString(buf[:])
}

// referenceCache mirrors spec §5's "plain hash map protected by the same
// mutex discipline as the LRU" — it exists purely to shortcut the hash ->
// exists? lookup before hitting SQL, not to bound memory with eviction.
type referenceCache struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newReferenceCache() *referenceCache {
	return &referenceCache{seen: make(map[string]struct{})}
}

func (c *referenceCache) has(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[hash]
	return ok
}

func (c *referenceCache) mark(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[hash] = struct{}{}
}

func (c *referenceCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]struct{})
}

// resolveReferenceTx ensures a reference_table row exists for hash, inserting
// encryptedData under it if this is the first time the hash has been seen.
// The record row always stores encryptedData directly; the reference table
// is bookkeeping for cleanup_unused_references, never rewritten into a
// foreign key (spec §9's documented divergence).
func (s *Store) resolveReferenceTx(ctx context.Context, tx *sql.Tx, hash string, encryptedData []byte) error {
	if s.refCache.has(hash) {
		return nil
	}

	var exists bool
	err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM reference_table WHERE hash_value = $1)`, hash).Scan(&exists)
	if err != nil {
		return errs.WrapIOFail("check reference existence", err)
	}
	if exists {
		s.refCache.mark(hash)
		return nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reference_table (hash_value, encrypted_data) VALUES ($1, $2) ON CONFLICT (hash_value) DO NOTHING`,
		hash, encryptedData)
	if err != nil {
		return errs.WrapIOFail("insert reference entry", err)
	}
	s.refCache.mark(hash)
	return nil
}

// CleanupUnusedReferences deletes every reference_table row whose hash is no
// longer produced by any current record payload. Idempotent.
func (s *Store) CleanupUnusedReferences(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT encrypted_payload FROM encrypted_records`)
	if err != nil {
		return errs.WrapIOFail("scan live payloads", err)
	}
	live := make(map[string]struct{})
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return errs.WrapIOFail("scan payload row", err)
		}
		live[payloadHash(payload)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return errs.WrapIOFail("iterate payload rows", err)
	}
	rows.Close()

	refRows, err := s.db.QueryContext(ctx, `SELECT hash_value FROM reference_table`)
	if err != nil {
		return errs.WrapIOFail("scan reference hashes", err)
	}
	var dead []string
	for refRows.Next() {
		var hash string
		if err := refRows.Scan(&hash); err != nil {
			refRows.Close()
			return errs.WrapIOFail("scan reference hash row", err)
		}
		if _, ok := live[hash]; !ok {
			dead = append(dead, hash)
		}
	}
	if err := refRows.Err(); err != nil {
		return errs.WrapIOFail("iterate reference rows", err)
	}
	refRows.Close()

	for _, hash := range dead {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM reference_table WHERE hash_value = $1`, hash); err != nil {
			return errs.WrapIOFail("delete dead reference entry", err)
		}
	}

	s.refCache.clear()
	return nil
}
