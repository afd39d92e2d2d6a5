package store

import "time"

// Record mirrors the encrypted_records row of spec §3.
type Record struct {
	ID                uint64
	EncryptedIndex    []byte
	EncryptedPayload  []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// RangeBit mirrors one range_query_indices row: a single encrypted bit of a
// record's range-indexed value.
type RangeBit struct {
	ID           uint64
	RecordID     uint64
	BitPosition  int
	EncryptedBit []byte
}

// AddInput is one row of a batch insert.
type AddInput struct {
	EncryptedIndex   []byte
	EncryptedPayload []byte
	EncryptedBits    [][]byte // nil when range querying is disabled for this record
}
