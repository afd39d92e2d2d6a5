package securedb

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/secure-index/internal/config"
	"github.com/R3E-Network/secure-index/internal/errs"
	"github.com/R3E-Network/secure-index/internal/heindex"
	"github.com/R3E-Network/secure-index/internal/sealer"
	"github.com/R3E-Network/secure-index/internal/store"
)

func testFHEParams() config.FHEParams {
	p := config.DefaultFHEParams()
	p.LogN = 12 // fast key generation for tests
	return p
}

func newTestEngine(t *testing.T) *heindex.Engine {
	t.Helper()
	p := testFHEParams()
	keys, err := heindex.GenerateKeys(p)
	require.NoError(t, err)
	e, err := heindex.NewFull(p, keys.Public, keys.Secret, keys.Relin, keys.Galois,
		heindex.WithMetricsRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	return e
}

func newTestSealer(t *testing.T) *sealer.Sealer {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	s, err := sealer.New(key)
	require.NoError(t, err)
	return s
}

func newTestFacade(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	rawDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { rawDB.Close() })

	st := store.Open(rawDB, config.DefaultCacheConfig(), 5*time.Second)
	fhe := newTestEngine(t)
	seal := newTestSealer(t)

	cfg := config.Config{LogLevel: "error", LogFormat: "json"}
	return New(st, fhe, seal, cfg), mock
}

func TestAddRecordInsertsEncryptedRow(t *testing.T) {
	db, mock := newTestFacade(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO reference_table").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("INSERT INTO encrypted_records").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	// One bit row per bit of the engine's configured range width.
	for i := 0; i < db.fhe.BitWidth(); i++ {
		mock.ExpectExec("INSERT INTO range_query_indices").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	id, err := db.AddRecord(context.Background(), 42, []byte("hello"), true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRecordDecryptsStoredPayload(t *testing.T) {
	db, mock := newTestFacade(t)

	encIdx, err := db.fhe.EncryptInt(42)
	require.NoError(t, err)
	encPayload, err := db.sealer.EncryptString("hello world")
	require.NoError(t, err)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM encrypted_records WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_index", "encrypted_payload", "created_at", "updated_at"}).
			AddRow(uint64(7), encIdx, encPayload, now, now))

	rec, ok, err := db.GetRecord(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello world", rec.Data)
	require.Equal(t, uint64(7), rec.ID)
}

func TestGetRecordNotFoundIsNotAnError(t *testing.T) {
	db, mock := newTestFacade(t)

	mock.ExpectQuery(`SELECT .+ FROM encrypted_records WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_index", "encrypted_payload", "created_at", "updated_at"}))

	_, ok, err := db.GetRecord(context.Background(), 404)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSearchByIndexFindsMatchAndDecrypts(t *testing.T) {
	db, mock := newTestFacade(t)

	encIdxMatch, err := db.fhe.EncryptInt(42)
	require.NoError(t, err)
	encIdxOther, err := db.fhe.EncryptInt(7)
	require.NoError(t, err)
	encPayload, err := db.sealer.EncryptString("match me")
	require.NoError(t, err)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, encrypted_index FROM encrypted_records`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_index"}).
			AddRow(uint64(1), encIdxMatch).
			AddRow(uint64(2), encIdxOther))

	mock.ExpectQuery(`SELECT .+ FROM encrypted_records WHERE id IN`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_index", "encrypted_payload", "created_at", "updated_at"}).
			AddRow(uint64(1), encIdxMatch, encPayload, now, now))

	recs, err := db.SearchByIndex(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "match me", recs[0].Data)
}

func TestUpdateRecordReplacesPayload(t *testing.T) {
	db, mock := newTestFacade(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO reference_table").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE encrypted_records SET encrypted_payload`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .+ FROM encrypted_records WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_index", "encrypted_payload", "created_at", "updated_at"}).
			AddRow(uint64(3), []byte("idx"), []byte("newpayload"), time.Now().UTC(), time.Now().UTC()))
	mock.ExpectCommit()

	err := db.UpdateRecord(context.Background(), 3, []byte("new data"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRecordNotFound(t *testing.T) {
	db, mock := newTestFacade(t)

	mock.ExpectExec(`DELETE FROM encrypted_records WHERE id = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.DeleteRecord(context.Background(), 999)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.NotFound))
}

func TestExportImportRoundTrip(t *testing.T) {
	db, mock := newTestFacade(t)

	encPayload, err := db.sealer.EncryptString("exported")
	require.NoError(t, err)
	encIdx, err := db.fhe.EncryptInt(9)
	require.NoError(t, err)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM encrypted_records ORDER BY id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_index", "encrypted_payload", "created_at", "updated_at"}).
			AddRow(uint64(1), encIdx, encPayload, now, now))

	data, err := db.ExportData(context.Background())
	require.NoError(t, err)
	require.Contains(t, string(data), "exported")

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("INSERT INTO encrypted_records").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectCommit()

	ids, err := db.ImportData(context.Background(), data)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, ids)
}

func TestDecryptWrongKeyFailsWithAuthFail(t *testing.T) {
	db, _ := newTestFacade(t)

	wrongSealer := newTestSealer(t)
	sealed, err := db.sealer.EncryptString("secret")
	require.NoError(t, err)

	_, err = wrongSealer.Decrypt(sealed)
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.AuthFail))
}

func TestClearCachesEmptiesAllLayers(t *testing.T) {
	db, mock := newTestFacade(t)

	encIdx, err := db.fhe.EncryptInt(1)
	require.NoError(t, err)
	encPayload, err := db.sealer.EncryptString("x")
	require.NoError(t, err)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM encrypted_records WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_index", "encrypted_payload", "created_at", "updated_at"}).
			AddRow(uint64(1), encIdx, encPayload, now, now))

	_, ok, err := db.GetRecord(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)

	stats := db.GetCacheStats()
	require.Equal(t, 1, stats.Record.Len)

	db.ClearCaches()
	stats = db.GetCacheStats()
	require.Equal(t, 0, stats.Record.Len)
}
