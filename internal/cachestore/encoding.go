package cachestore

import (
	"bytes"
	"encoding/gob"
)

// diskEntry is the on-disk form of a cache entry.
type diskEntry struct {
	Method     string
	URL        string
	Status     int
	StatusText string
	Header     map[string][]string
	Body       []byte
	StoredAt   int64 // unix nanoseconds
}

// diskMeta is kept apart from the entry so the index can be rebuilt on open
// without decoding bodies.
type diskMeta struct {
	Seq        uint64
	Size       int64
	LastAccess int64

	// rev changes on every write of the entry. Not persisted.
	rev uint64
}

type cacheMeta struct {
	Seq uint64
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
