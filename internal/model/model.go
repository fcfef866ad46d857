package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Operation is the row-level mutation kind reported by the source table.
type Operation uint8

const (
	OpInsert Operation = iota + 1
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "INSERT"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	}
	return fmt.Sprintf("Operation(%d)", uint8(o))
}

// Valid reports whether o is one of the three known operations.
func (o Operation) Valid() bool { return o >= OpInsert && o <= OpDelete }

// ParseOperation accepts INSERT/UPDATE/DELETE in any case plus the aliases
// emitted by Debezium (c/u/d/r) and DynamoDB Streams (MODIFY/REMOVE).
func ParseOperation(s string) (Operation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT", "C", "R", "CREATE":
		return OpInsert, nil
	case "UPDATE", "U", "MODIFY":
		return OpUpdate, nil
	case "DELETE", "D", "REMOVE":
		return OpDelete, nil
	}
	return 0, fmt.Errorf("unknown operation %q", s)
}

// ChangeEvent is one decoded notification from the source table.
type ChangeEvent struct {
	Operation            Operation
	Keys                 map[string]any
	NewImage             map[string]any
	OldImage             map[string]any
	SequenceNumber       string
	ApproximateEventTime time.Time
	// Raw is the envelope exactly as delivered.
	Raw []byte
}

// OperationTag is the canonical operation carried downstream.
type OperationTag uint8

const (
	TagUpsert OperationTag = iota + 1
	TagDelete
)

func (t OperationTag) String() string {
	switch t {
	case TagUpsert:
		return "UPSERT"
	case TagDelete:
		return "DELETE"
	}
	return fmt.Sprintf("OperationTag(%d)", uint8(t))
}

func (t OperationTag) MarshalText() ([]byte, error) {
	switch t {
	case TagUpsert, TagDelete:
		return []byte(t.String()), nil
	}
	return nil, fmt.Errorf("invalid operation tag %d", uint8(t))
}

func (t *OperationTag) UnmarshalText(b []byte) error {
	switch string(b) {
	case "UPSERT":
		*t = TagUpsert
	case "DELETE":
		*t = TagDelete
	default:
		return fmt.Errorf("invalid operation tag %q", string(b))
	}
	return nil
}

// CanonicalRecord is the flat unit written to staging and consumed by the merge engine.
type CanonicalRecord struct {
	RecordKey      string         `json:"key"`
	PrecombineTS   int64          `json:"ts"`
	Op             OperationTag   `json:"op"`
	Payload        map[string]any `json:"payload,omitempty"`
	IngestSequence uint64         `json:"seq"`
	SourceSequence string         `json:"srcSeq,omitempty"`
}

// Encode returns the JSON line for r. encoding/json sorts map keys, so equal
// records always encode to identical bytes.
func (r CanonicalRecord) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses one JSON line produced by Encode. Numbers stay json.Number.
func DecodeRecord(line []byte) (CanonicalRecord, error) {
	var r CanonicalRecord
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return CanonicalRecord{}, err
	}
	if r.RecordKey == "" {
		return CanonicalRecord{}, fmt.Errorf("record without key")
	}
	if r.Op != TagUpsert && r.Op != TagDelete {
		return CanonicalRecord{}, fmt.Errorf("record %q without operation", r.RecordKey)
	}
	return r, nil
}

// Rejection stages.
const (
	StageDecode    = "decode"
	StageNormalize = "normalize"
)

// RejectedRecord is an envelope that never reaches the merge engine.
type RejectedRecord struct {
	Stage    string    `json:"stage"`
	Reason   string    `json:"reason"`
	Envelope []byte    `json:"envelope"`
	At       time.Time `json:"at"`
}

// TargetRow is one row of the converged table.
type TargetRow struct {
	Key          string         `json:"key"`
	Payload      map[string]any `json:"payload,omitempty"`
	PrecombineTS int64          `json:"ts"`
	Tombstone    bool           `json:"tombstone,omitempty"`
}
