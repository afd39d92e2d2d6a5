// Package securedb is the Secure-DB façade (spec §6): it wires the Key
// Vault (C1), Symmetric Sealer (C2), Homomorphic Index Engine (C3), Record
// Store (C4), and Query & Cache Layer (C5) behind the single API surface a
// caller interacts with.
package securedb

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/secure-index/internal/config"
	"github.com/R3E-Network/secure-index/internal/errs"
	"github.com/R3E-Network/secure-index/internal/heindex"
	"github.com/R3E-Network/secure-index/internal/logging"
	"github.com/R3E-Network/secure-index/internal/sealer"
	"github.com/R3E-Network/secure-index/internal/store"
	"github.com/R3E-Network/secure-index/internal/vault"
)

const (
	fhePublicKeyFile = "fhe_public.key"
	fheSecretKeyFile = "fhe_secret.key"
	fheRelinKeyFile  = "fhe_relin.key"
	fheGaloisKeyFile = "fhe_galois.key"
	aesKeyFile       = "aes.key"
)

// DB is the assembled facade over C1-C5.
type DB struct {
	store  *store.Store
	fhe    *heindex.Engine
	sealer *sealer.Sealer
	vault  *vault.Vault
	cfg    config.Config
	log    *logging.Logger

	rawDB *sql.DB
	cron  *cron.Cron
}

// New assembles a DB from already-constructed components. Exposed
// separately from Open so tests can exercise the facade against a mocked
// Store without a live Postgres connection or on-disk key material.
func New(st *store.Store, fhe *heindex.Engine, seal *sealer.Sealer, cfg config.Config) *DB {
	return &DB{store: st, fhe: fhe, sealer: seal, cfg: cfg, log: logging.New("securedb", cfg.LogLevel, cfg.LogFormat)}
}

// GenerateAndSaveKeys creates a fresh AES master key and BFV key set and
// persists them under cfg.Vault.KeysDir, sealing the AES key and (if
// fhePassword is non-empty) the BFV secret key under their respective
// passwords.
func GenerateAndSaveKeys(cfg config.Config, aesPassword, fhePassword string) error {
	v := vault.New(cfg.Vault)

	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return errs.WrapIOFail("generate aes master key", err)
	}
	if err := v.SaveAESKey(aesKey, keyPath(cfg, aesKeyFile), aesPassword); err != nil {
		return err
	}

	keys, err := heindex.GenerateKeys(cfg.FHE)
	if err != nil {
		return err
	}
	pubBytes, err := heindex.MarshalPublic(keys.Public)
	if err != nil {
		return err
	}
	secBytes, err := heindex.MarshalSecret(keys.Secret)
	if err != nil {
		return err
	}
	relinBytes, err := heindex.MarshalRelin(keys.Relin)
	if err != nil {
		return err
	}
	galoisBytes, err := heindex.MarshalGalois(keys.Galois)
	if err != nil {
		return err
	}

	if err := v.SaveFHEKeys(pubBytes, secBytes, keyPath(cfg, fhePublicKeyFile), keyPath(cfg, fheSecretKeyFile), fhePassword); err != nil {
		return err
	}
	if err := v.SaveAuxiliaryKey(relinBytes, keyPath(cfg, fheRelinKeyFile)); err != nil {
		return err
	}
	if err := v.SaveAuxiliaryKey(galoisBytes, keyPath(cfg, fheGaloisKeyFile)); err != nil {
		return err
	}
	return nil
}

func keyPath(cfg config.Config, name string) string {
	return cfg.Vault.KeysDir + "/" + name
}

// Open connects to Postgres, applies embedded migrations, loads key
// material from the vault, and assembles a full (decrypt-capable) facade.
// Call Close when done.
func Open(cfg config.Config, aesPassword, fhePassword string) (*DB, error) {
	v := vault.New(cfg.Vault)

	aesKey, err := v.LoadAESKey(keyPath(cfg, aesKeyFile), aesPassword)
	if err != nil {
		return nil, err
	}
	seal, err := sealer.New(aesKey)
	if err != nil {
		return nil, err
	}

	pubBytes, err := v.LoadFHEPublicKey(keyPath(cfg, fhePublicKeyFile))
	if err != nil {
		return nil, err
	}
	secBytes, err := v.LoadFHESecretKey(keyPath(cfg, fheSecretKeyFile), fhePassword)
	if err != nil {
		return nil, err
	}
	relinBytes, err := v.LoadAuxiliaryKey(keyPath(cfg, fheRelinKeyFile))
	if err != nil {
		return nil, err
	}
	galoisBytes, err := v.LoadAuxiliaryKey(keyPath(cfg, fheGaloisKeyFile))
	if err != nil {
		return nil, err
	}

	pub, err := heindex.UnmarshalPublic(pubBytes)
	if err != nil {
		return nil, err
	}
	sec, err := heindex.UnmarshalSecret(secBytes)
	if err != nil {
		return nil, err
	}
	relin, err := heindex.UnmarshalRelin(relinBytes)
	if err != nil {
		return nil, err
	}
	galois, err := heindex.UnmarshalGalois(galoisBytes)
	if err != nil {
		return nil, err
	}

	fhe, err := heindex.NewFull(cfg.FHE, pub, sec, relin, galois)
	if err != nil {
		return nil, err
	}

	rawDB, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, errs.WrapIOFail("open postgres connection", err)
	}
	if err := rawDB.PingContext(context.Background()); err != nil {
		rawDB.Close()
		return nil, errs.WrapIOFail("ping postgres", err)
	}
	if err := store.RunMigrations(rawDB); err != nil {
		rawDB.Close()
		return nil, err
	}

	timeout := cfg.QueryTimeout
	if timeout == 0 {
		timeout = config.DefaultQueryTimeout
	}
	cfg.QueryTimeout = timeout
	st := store.Open(rawDB, cfg.Cache, timeout)

	db := New(st, fhe, seal, cfg)
	db.vault = v
	db.rawDB = rawDB

	if cfg.ReferenceGCCron != "" {
		if err := db.startReferenceGC(cfg.ReferenceGCCron); err != nil {
			rawDB.Close()
			return nil, err
		}
	}
	return db, nil
}

func (db *DB) startReferenceGC(spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), db.cfg.QueryTimeout)
		defer cancel()
		if err := db.store.CleanupUnusedReferences(ctx); err != nil {
			db.log.LogDatabaseQuery(ctx, "cleanup_unused_references", 0, err)
		}
	})
	if err != nil {
		return errs.WrapInternal("securedb: schedule reference gc", err)
	}
	c.Start()
	db.cron = c
	return nil
}

// Close stops the scheduled GC job and releases the database connection.
func (db *DB) Close() error {
	if db.cron != nil {
		db.cron.Stop()
	}
	if db.rawDB != nil {
		return db.rawDB.Close()
	}
	return nil
}

// Record is the plaintext-facing view of a stored record.
type Record struct {
	ID        uint64    `json:"id"`
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (db *DB) decryptRecord(r store.Record) (Record, error) {
	plaintext, err := db.sealer.Decrypt(r.EncryptedPayload)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: r.ID, Data: string(plaintext), CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}, nil
}

// AddRecord encrypts indexValue and data and inserts one record. When
// enableRange is true, indexValue is additionally bit-split and encrypted
// for range_query_indices at the engine's configured bit width.
func (db *DB) AddRecord(ctx context.Context, indexValue uint64, data []byte, enableRange bool) (uint64, error) {
	encIdx, err := db.fhe.EncryptInt(indexValue)
	if err != nil {
		return 0, err
	}
	encPayload, err := db.sealer.Encrypt(data)
	if err != nil {
		return 0, err
	}

	in := store.AddInput{EncryptedIndex: encIdx, EncryptedPayload: encPayload}
	if enableRange {
		bits, err := db.fhe.EncryptForRangeQuery(indexValue, db.fhe.BitWidth())
		if err != nil {
			return 0, err
		}
		in.EncryptedBits = bits
	}
	return db.store.Add(ctx, in)
}

// AddRecordInput is one row of a batch insert request.
type AddRecordInput struct {
	IndexValue  uint64
	Data        []byte
	EnableRange bool
}

// AddRecordsBatch inserts every row in a single transaction.
func (db *DB) AddRecordsBatch(ctx context.Context, inputs []AddRecordInput) ([]uint64, error) {
	ins := make([]store.AddInput, 0, len(inputs))
	for _, in := range inputs {
		encIdx, err := db.fhe.EncryptInt(in.IndexValue)
		if err != nil {
			return nil, err
		}
		encPayload, err := db.sealer.Encrypt(in.Data)
		if err != nil {
			return nil, err
		}
		row := store.AddInput{EncryptedIndex: encIdx, EncryptedPayload: encPayload}
		if in.EnableRange {
			bits, err := db.fhe.EncryptForRangeQuery(in.IndexValue, db.fhe.BitWidth())
			if err != nil {
				return nil, err
			}
			row.EncryptedBits = bits
		}
		ins = append(ins, row)
	}
	return db.store.AddBatch(ctx, ins)
}

// GetRecord returns the decrypted record for id. Absence is reported as
// (Record{}, false, nil), not an error.
func (db *DB) GetRecord(ctx context.Context, id uint64) (Record, bool, error) {
	r, ok, err := db.store.GetByID(ctx, id)
	if err != nil || !ok {
		return Record{}, ok, err
	}
	rec, err := db.decryptRecord(r)
	return rec, true, err
}

// GetRecordsBatch returns the decrypted records for ids, in input order
// (ids with no matching row are omitted).
func (db *DB) GetRecordsBatch(ctx context.Context, ids []uint64) ([]Record, error) {
	rows, err := db.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := db.decryptRecord(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SearchByIndex evaluates the homomorphic equality predicate and returns
// the decrypted matching records.
func (db *DB) SearchByIndex(ctx context.Context, v uint64) ([]Record, error) {
	ids, err := db.store.SearchByIndex(ctx, db.fhe, v)
	if err != nil {
		return nil, err
	}
	return db.GetRecordsBatch(ctx, ids)
}

// SearchByRange evaluates the homomorphic range predicate and returns the
// decrypted matching records. Records without range indexing are excluded.
func (db *DB) SearchByRange(ctx context.Context, lo, hi *uint64) ([]Record, error) {
	ids, err := db.store.SearchByRange(ctx, db.fhe, lo, hi)
	if err != nil {
		return nil, err
	}
	return db.GetRecordsBatch(ctx, ids)
}

// UpdateRecord replaces a record's payload. The index is immutable by design.
func (db *DB) UpdateRecord(ctx context.Context, id uint64, newData []byte) error {
	encPayload, err := db.sealer.Encrypt(newData)
	if err != nil {
		return err
	}
	return db.store.Update(ctx, id, encPayload)
}

// UpdateRecordsBatch applies the same new payload to every id given,
// stopping at the first failure and reporting the ids updated so far.
func (db *DB) UpdateRecordsBatch(ctx context.Context, ids []uint64, newData []byte) ([]uint64, error) {
	encPayload, err := db.sealer.Encrypt(newData)
	if err != nil {
		return nil, err
	}
	updated := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if err := db.store.Update(ctx, id, encPayload); err != nil {
			return updated, err
		}
		updated = append(updated, id)
	}
	return updated, nil
}

// UpdateByIndex searches by equality predicate then updates every matching
// record to newData.
func (db *DB) UpdateByIndex(ctx context.Context, v uint64, newData []byte) ([]uint64, error) {
	encPayload, err := db.sealer.Encrypt(newData)
	if err != nil {
		return nil, err
	}
	return db.store.UpdateByIndex(ctx, db.fhe, v, encPayload)
}

// UpdateByRange searches by range predicate then updates every matching
// record to newData.
func (db *DB) UpdateByRange(ctx context.Context, lo, hi *uint64, newData []byte) ([]uint64, error) {
	encPayload, err := db.sealer.Encrypt(newData)
	if err != nil {
		return nil, err
	}
	return db.store.UpdateByRange(ctx, db.fhe, lo, hi, encPayload)
}

// DeleteRecord removes one record, cascading its range bit rows.
func (db *DB) DeleteRecord(ctx context.Context, id uint64) error {
	return db.store.Delete(ctx, id)
}

// DeleteRecordsBatch removes every id in a single transaction.
func (db *DB) DeleteRecordsBatch(ctx context.Context, ids []uint64) error {
	return db.store.DeleteBatch(ctx, ids)
}

// DeleteByIndex searches by equality predicate then deletes every match.
func (db *DB) DeleteByIndex(ctx context.Context, v uint64) ([]uint64, error) {
	return db.store.DeleteByIndex(ctx, db.fhe, v)
}

// DeleteByRange searches by range predicate then deletes every match.
func (db *DB) DeleteByRange(ctx context.Context, lo, hi *uint64) ([]uint64, error) {
	return db.store.DeleteByRange(ctx, db.fhe, lo, hi)
}

// CleanupReferences runs cleanup_unused_references once, synchronously.
func (db *DB) CleanupReferences(ctx context.Context) error {
	return db.store.CleanupUnusedReferences(ctx)
}

// GetCacheStats returns the get_stats() snapshot of all three query caches.
func (db *DB) GetCacheStats() store.CacheStats {
	return db.store.GetCacheStats()
}

// ClearCaches empties every cache layer.
func (db *DB) ClearCaches() {
	db.store.ClearCaches()
}

// exportRow is the array-element contract of spec §6's import/export JSON.
type exportRow struct {
	ID               *uint64 `json:"id,omitempty"`
	IndexValue       *uint64 `json:"index_value,omitempty"`
	Data             string  `json:"data"`
	EncryptedIndex   []byte  `json:"encrypted_index,omitempty"`
	EncryptedPayload []byte  `json:"encrypted_payload,omitempty"`
}

// ExportData serializes every record as the import/export JSON contract.
func (db *DB) ExportData(ctx context.Context) ([]byte, error) {
	records, err := db.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	return db.exportRows(records)
}

// ExportRecords serializes the given ids as the import/export JSON contract.
func (db *DB) ExportRecords(ctx context.Context, ids []uint64) ([]byte, error) {
	records, err := db.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	return db.exportRows(records)
}

func (db *DB) exportRows(records []store.Record) ([]byte, error) {
	rows := make([]exportRow, 0, len(records))
	for _, r := range records {
		plaintext, err := db.sealer.Decrypt(r.EncryptedPayload)
		if err != nil {
			return nil, err
		}
		id := r.ID
		rows = append(rows, exportRow{
			ID:               &id,
			Data:             string(plaintext),
			EncryptedIndex:   r.EncryptedIndex,
			EncryptedPayload: r.EncryptedPayload,
		})
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, errs.WrapInternal("securedb: marshal export", err)
	}
	return data, nil
}

// ImportData inserts every row of the import/export JSON contract. Rows
// carrying encrypted_index/encrypted_payload are inserted verbatim (without
// range-query bits, since the wire contract has no field for them); rows
// carrying only index_value/data are re-encrypted with this engine's keys.
func (db *DB) ImportData(ctx context.Context, data []byte) ([]uint64, error) {
	var rows []exportRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errs.WrapInternal("securedb: unmarshal import", err)
	}

	ids := make([]uint64, 0, len(rows))
	for i, row := range rows {
		var in store.AddInput
		if row.EncryptedIndex != nil && row.EncryptedPayload != nil {
			in = store.AddInput{EncryptedIndex: row.EncryptedIndex, EncryptedPayload: row.EncryptedPayload}
		} else {
			if row.IndexValue == nil {
				return ids, errs.NewEncodeRange(fmt.Sprintf("securedb: import row %d missing index_value", i))
			}
			encIdx, err := db.fhe.EncryptInt(*row.IndexValue)
			if err != nil {
				return ids, err
			}
			encPayload, err := db.sealer.Encrypt([]byte(row.Data))
			if err != nil {
				return ids, err
			}
			in = store.AddInput{EncryptedIndex: encIdx, EncryptedPayload: encPayload}
		}
		id, err := db.store.Add(ctx, in)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ImportRecords is ImportData under a different name for callers that have
// already sliced the JSON contract down to a specific record subset; the
// insertion semantics are identical.
func (db *DB) ImportRecords(ctx context.Context, data []byte) ([]uint64, error) {
	return db.ImportData(ctx, data)
}
