// Package envelope decodes raw change notifications into model.ChangeEvent.
//
// Two shapes are understood: the native envelope
//
//	{"operation":"UPDATE","keys":{"id":"k1"},"newImage":{...},"oldImage":{...},
//	 "sequenceNumber":"42","approximateEventTime":"2024-05-01T10:00:00Z"}
//
// and a DynamoDB Streams record carrying typed attribute values under "dynamodb".
// Decoding is pure: no I/O, no retries.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cdcsnap/internal/model"
)

// ErrMalformedEnvelope is wrapped by every decode failure.
var ErrMalformedEnvelope = errors.New("malformed envelope")

type nativeEnvelope struct {
	Operation            string                     `json:"operation"`
	Keys                 map[string]json.RawMessage `json:"keys"`
	NewImage             json.RawMessage            `json:"newImage"`
	OldImage             json.RawMessage            `json:"oldImage"`
	SequenceNumber       json.RawMessage            `json:"sequenceNumber"`
	ApproximateEventTime json.RawMessage            `json:"approximateEventTime"`
}

// shapeHint only looks at the fields that select the shape.
type shapeHint struct {
	DynamoDB json.RawMessage `json:"dynamodb"`
}

// Decode parses one raw notification.
func Decode(raw []byte) (model.ChangeEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return model.ChangeEvent{}, malformed("empty envelope")
	}
	var p shapeHint
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.ChangeEvent{}, malformed("invalid json: %v", err)
	}
	var (
		ev  model.ChangeEvent
		err error
	)
	if len(p.DynamoDB) > 0 && !isNull(p.DynamoDB) {
		ev, err = decodeDynamoDB(raw)
	} else {
		ev, err = decodeNative(raw)
	}
	if err != nil {
		return model.ChangeEvent{}, err
	}
	ev.Raw = append([]byte(nil), raw...)
	return ev, nil
}

func decodeNative(raw []byte) (model.ChangeEvent, error) {
	var env nativeEnvelope
	if err := unmarshalNumbers(raw, &env); err != nil {
		return model.ChangeEvent{}, malformed("invalid json: %v", err)
	}
	if strings.TrimSpace(env.Operation) == "" {
		return model.ChangeEvent{}, malformed("missing operation")
	}
	op, err := model.ParseOperation(env.Operation)
	if err != nil {
		return model.ChangeEvent{}, malformed("%v", err)
	}
	if len(env.Keys) == 0 {
		return model.ChangeEvent{}, malformed("missing keys")
	}
	keys := make(map[string]any, len(env.Keys))
	for name, v := range env.Keys {
		var val any
		if err := unmarshalNumbers(v, &val); err != nil {
			return model.ChangeEvent{}, malformed("key %q: %v", name, err)
		}
		if val == nil {
			return model.ChangeEvent{}, malformed("key %q is null", name)
		}
		keys[name] = val
	}
	ev := model.ChangeEvent{Operation: op, Keys: keys}
	if ev.NewImage, err = decodeImage(env.NewImage); err != nil {
		return model.ChangeEvent{}, malformed("newImage: %v", err)
	}
	if ev.OldImage, err = decodeImage(env.OldImage); err != nil {
		return model.ChangeEvent{}, malformed("oldImage: %v", err)
	}
	if ev.SequenceNumber, err = scalarString(env.SequenceNumber); err != nil {
		return model.ChangeEvent{}, malformed("sequenceNumber: %v", err)
	}
	if ev.ApproximateEventTime, err = parseEventTime(env.ApproximateEventTime); err != nil {
		return model.ChangeEvent{}, malformed("approximateEventTime: %v", err)
	}
	return ev, nil
}

func decodeImage(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}
	var img map[string]any
	if err := unmarshalNumbers(raw, &img); err != nil {
		return nil, err
	}
	return img, nil
}

// scalarString accepts a JSON string or number.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || isNull(raw) {
		return "", nil
	}
	var v any
	if err := unmarshalNumbers(raw, &v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	}
	return "", fmt.Errorf("expected string or number")
}

// parseEventTime accepts RFC3339 strings or integer epoch milliseconds.
func parseEventTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || isNull(raw) {
		return time.Time{}, nil
	}
	var v any
	if err := unmarshalNumbers(raw, &v); err != nil {
		return time.Time{}, err
	}
	switch x := v.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	case json.Number:
		ms, err := strconv.ParseInt(x.String(), 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("expected integer epoch milliseconds, got %s", x)
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("expected RFC3339 string or epoch milliseconds")
}

func unmarshalNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func isNull(raw []byte) bool { return string(bytes.TrimSpace(raw)) == "null" }

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEnvelope, fmt.Sprintf(format, args...))
}
