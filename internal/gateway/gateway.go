package gateway

import (
	"context"
	"errors"
)

// ErrConflict is returned by WriteBack when the source row no longer matches the checksum
// captured at ingestion.
var ErrConflict = errors.New("source row changed since ingestion")

// ErrRowNotFound is returned when a row reference no longer resolves.
var ErrRowNotFound = errors.New("source row not found")

// Row is one source record. Number is 1-based in source order; Key is the gateway's stable
// reference used for write-back.
type Row struct {
	Number int
	Key    string
	Fields map[string]string
}

// Reader loads the rows of a source.
type Reader interface {
	ReadRows(ctx context.Context) ([]Row, error)
}

// WriteBacker writes a completed row's outputs to its source, but only if the row's live
// checksum still equals expectedChecksum.
type WriteBacker interface {
	WriteBack(ctx context.Context, key string, outputs map[string]string, expectedChecksum string) error
}

// ChecksumReader computes the current checksum of a source row.
type ChecksumReader interface {
	LiveChecksum(ctx context.Context, key string) (string, error)
}

// Source is a gateway that supports every capability.
type Source interface {
	Reader
	WriteBacker
	ChecksumReader
}
