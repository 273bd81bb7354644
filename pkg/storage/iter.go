package storage

import (
	"bytes"

	bolt "go.etcd.io/bbolt"
)

// Cursor streams the JSON values of a key range without loading the whole
// range into memory. It holds a read transaction open until Close, so
// callers must Close on every exit path and must not write to the store
// from the same goroutine while iterating.
type Cursor struct {
	tx     *bolt.Tx
	cursor *bolt.Cursor
	prefix []byte
	key    []byte
	value  []byte
	first  bool
}

func newCursor(db *bolt.DB, bucket, prefix []byte) (*Cursor, error) {
	tx, err := db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &Cursor{
		tx:     tx,
		cursor: tx.Bucket(bucket).Cursor(),
		prefix: prefix,
		first:  true,
	}, nil
}

// Next advances to the next row and returns its JSON value. The returned
// slice is only valid until the next call; callers that retain it must
// copy. Returns false when the range is exhausted.
func (c *Cursor) Next() ([]byte, bool) {
	if c.first {
		c.first = false
		c.key, c.value = c.cursor.Seek(c.prefix)
	} else {
		c.key, c.value = c.cursor.Next()
	}
	if c.key == nil || !bytes.HasPrefix(c.key, c.prefix) {
		return nil, false
	}
	return c.value, true
}

// Close releases the read transaction
func (c *Cursor) Close() error {
	return c.tx.Rollback()
}
