package envelope

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cdcsnap/internal/model"
)

func TestDecode_NativeEnvelope(t *testing.T) {
	raw := []byte(`{
		"operation": "UPDATE",
		"keys": {"id": "k1"},
		"newImage": {"id": "k1", "price": 10, "meta": {"color": "red"}},
		"oldImage": {"id": "k1", "price": 9},
		"sequenceNumber": 1234,
		"approximateEventTime": "2024-05-01T10:00:00.5Z",
		"someFutureField": {"ignored": true}
	}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Operation != model.OpUpdate {
		t.Fatalf("op=%v", ev.Operation)
	}
	if ev.Keys["id"] != "k1" {
		t.Fatalf("keys=%v", ev.Keys)
	}
	if ev.NewImage["price"] != json.Number("10") {
		t.Fatalf("price should keep json.Number, got %#v", ev.NewImage["price"])
	}
	if ev.SequenceNumber != "1234" {
		t.Fatalf("seq=%q", ev.SequenceNumber)
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC)
	if !ev.ApproximateEventTime.Equal(want) {
		t.Fatalf("time=%v want=%v", ev.ApproximateEventTime, want)
	}
	if len(ev.Raw) == 0 {
		t.Fatalf("raw envelope not retained")
	}
}

func TestDecode_EpochMillis(t *testing.T) {
	ev, err := Decode([]byte(`{"operation":"DELETE","keys":{"id":7},"approximateEventTime":1700000000123}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.ApproximateEventTime.UnixMilli() != 1700000000123 {
		t.Fatalf("time=%v", ev.ApproximateEventTime)
	}
	if ev.NewImage != nil {
		t.Fatalf("delete should carry no new image")
	}
}

func TestDecode_Rejections(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"not json":       `{oops`,
		"no operation":   `{"keys":{"id":"k1"}}`,
		"bad operation":  `{"operation":"TRUNCATE","keys":{"id":"k1"}}`,
		"no keys":        `{"operation":"INSERT","newImage":{"id":"k1"}}`,
		"empty keys":     `{"operation":"INSERT","keys":{}}`,
		"null key":       `{"operation":"INSERT","keys":{"id":null}}`,
		"bad time":       `{"operation":"INSERT","keys":{"id":"k"},"approximateEventTime":"yesterday"}`,
		"ddb no keys":    `{"eventName":"INSERT","dynamodb":{"NewImage":{"id":{"S":"k"}}}}`,
		"ddb no op":      `{"dynamodb":{"Keys":{"id":{"S":"k"}}}}`,
		"ddb bad number": `{"eventName":"INSERT","dynamodb":{"Keys":{"id":{"N":"abc"}}}}`,
	}
	for name, raw := range cases {
		_, err := Decode([]byte(raw))
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("%s: want ErrMalformedEnvelope, got %v", name, err)
		}
	}
}

func TestDecode_DynamoDBRecord(t *testing.T) {
	raw := []byte(`{
		"eventID": "329ef0da9a7d792c7fa83fcdf9194d24",
		"eventName": "MODIFY",
		"eventSource": "aws:dynamodb",
		"dynamodb": {
			"ApproximateCreationDateTime": 1700000000.25,
			"Keys": {"pk": {"S": "user#1"}, "sk": {"N": "3"}},
			"NewImage": {
				"pk": {"S": "user#1"},
				"sk": {"N": "3"},
				"tags": {"SS": ["b", "a"]},
				"profile": {"M": {"age": {"N": "41"}, "active": {"BOOL": true}}},
				"gone": {"NULL": true}
			},
			"SequenceNumber": "1645779500000000000731163099",
			"StreamViewType": "NEW_AND_OLD_IMAGES"
		}
	}`)
	ev, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Operation != model.OpUpdate {
		t.Fatalf("op=%v", ev.Operation)
	}
	if ev.Keys["pk"] != "user#1" || ev.Keys["sk"] != json.Number("3") {
		t.Fatalf("keys=%#v", ev.Keys)
	}
	tags, ok := ev.NewImage["tags"].([]any)
	if !ok || len(tags) != 2 || tags[0] != "a" {
		t.Fatalf("string set should be sorted: %#v", ev.NewImage["tags"])
	}
	profile, ok := ev.NewImage["profile"].(map[string]any)
	if !ok || profile["age"] != json.Number("41") || profile["active"] != true {
		t.Fatalf("profile=%#v", ev.NewImage["profile"])
	}
	if v, ok := ev.NewImage["gone"]; !ok || v != nil {
		t.Fatalf("NULL attribute should decode to nil, got %#v", v)
	}
	if ev.SequenceNumber != "1645779500000000000731163099" {
		t.Fatalf("seq=%s", ev.SequenceNumber)
	}
	want := time.Unix(1700000000, 250_000_000).UTC()
	if !ev.ApproximateEventTime.Equal(want) {
		t.Fatalf("time=%v want=%v", ev.ApproximateEventTime, want)
	}
}

func TestDecode_DynamoDBRemove(t *testing.T) {
	ev, err := Decode([]byte(`{"eventName":"REMOVE","dynamodb":{"Keys":{"id":{"S":"k2"}},"OldImage":{"id":{"S":"k2"}},"ApproximateCreationDateTime":1700000001}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ev.Operation != model.OpDelete || ev.OldImage["id"] != "k2" || ev.NewImage != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
