package store

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/secure-index/internal/config"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := Open(db, config.DefaultCacheConfig(), 5*time.Second)
	return s, mock
}

func TestAddInsertsRecordAndReference(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO reference_table").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("INSERT INTO encrypted_records").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	mock.ExpectExec("INSERT INTO range_query_indices").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := s.Add(context.Background(), AddInput{
		EncryptedIndex:   []byte("idx"),
		EncryptedPayload: []byte("payload"),
		EncryptedBits:    [][]byte{[]byte("b0")},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDCacheHitAvoidsQuery(t *testing.T) {
	s, mock := newTestStore(t)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM encrypted_records WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_index", "encrypted_payload", "created_at", "updated_at"}).
			AddRow(uint64(7), []byte("idx"), []byte("payload"), now, now))

	r, ok, err := s.GetByID(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), r.ID)

	// Second call is served from cache; no further query expected.
	r2, ok2, err := s.GetByID(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, ok2)
	require.Equal(t, r.ID, r2.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFoundIsNotAnError(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT (.+) FROM encrypted_records WHERE id = \\$1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "encrypted_index", "encrypted_payload", "created_at", "updated_at"}))

	_, ok, err := s.GetByID(context.Background(), 99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteInvalidatesCaches(t *testing.T) {
	s, mock := newTestStore(t)
	s.equalityCache.Put(1, []uint64{5})
	s.rangeCache.Put("-..-", []uint64{5})

	mock.ExpectExec("DELETE FROM encrypted_records WHERE id = \\$1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Delete(context.Background(), 5)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	stats := s.GetCacheStats()
	require.Equal(t, 0, stats.Equality.Len)
	require.Equal(t, 0, stats.Range.Len)
}

func TestDeleteNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectExec("DELETE FROM encrypted_records WHERE id = \\$1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Delete(context.Background(), 404)
	require.Error(t, err)
}

func TestRangeCacheKeyCanonicalization(t *testing.T) {
	lo := uint64(10)
	hi := uint64(20)
	require.Equal(t, "10..20", rangeCacheKey(&lo, &hi))
	require.Equal(t, "-..20", rangeCacheKey(nil, &hi))
	require.Equal(t, "10..-", rangeCacheKey(&lo, nil))
	require.Equal(t, "-..-", rangeCacheKey(nil, nil))
}
