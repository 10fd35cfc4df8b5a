package wal

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/driftdb/drift/internal/dberr"
)

// LSN (Log Sequence Number) provides total ordering of log records.
// Strictly monotonic process-wide.
type LSN uint64

// RecordType defines the kind of WAL record.
type RecordType uint8

const (
	RecordBegin RecordType = iota + 1
	RecordPut
	RecordDelete
	RecordCommit
	RecordAbort
	RecordCheckpoint
)

func (t RecordType) String() string {
	switch t {
	case RecordBegin:
		return "BEGIN"
	case RecordPut:
		return "PUT"
	case RecordDelete:
		return "DELETE"
	case RecordCommit:
		return "COMMIT"
	case RecordAbort:
		return "ABORT"
	case RecordCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// Record is a single log entry. Key/Value are set for PUT and DELETE
// (value empty for DELETE); CheckpointLSN/ActiveTxns only for CHECKPOINT.
// TTLSeconds is carried so replay reproduces expiring writes.
type Record struct {
	LSN           LSN
	TxnID         uint64
	Type          RecordType
	Key           string
	Value         []byte
	TTLSeconds    uint64
	CheckpointLSN LSN
	ActiveTxns    []uint64
	Timestamp     time.Time
}

// encode serializes a record into a self-contained gob stream, so each
// framed record decodes independently of its neighbours.
func (r *Record) encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, dberr.Wrap(dberr.KindInternal, "wal.encode", err)
	}
	return buf.Bytes(), nil
}

func nowUTC() time.Time { return time.Now().UTC() }

// decodeRecord is the inverse of encode.
func decodeRecord(data []byte) (*Record, error) {
	var r Record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, dberr.Wrap(dberr.KindCorruptedData, "wal.decode", err)
	}
	return &r, nil
}
