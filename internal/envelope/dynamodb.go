package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/service/dynamodb"

	"cdcsnap/internal/model"
)

// streamRecord mirrors the DynamoDB Streams record as delivered to Lambda or
// Kinesis consumers. AttributeValue decodes from the wire JSON because its
// field names match the type descriptors (S, N, B, M, L, ...).
type streamRecord struct {
	EventID   string       `json:"eventID"`
	EventName string       `json:"eventName"`
	DynamoDB  streamImages `json:"dynamodb"`
}

type streamImages struct {
	Keys                        map[string]*dynamodb.AttributeValue `json:"Keys"`
	NewImage                    map[string]*dynamodb.AttributeValue `json:"NewImage"`
	OldImage                    map[string]*dynamodb.AttributeValue `json:"OldImage"`
	SequenceNumber              string                              `json:"SequenceNumber"`
	ApproximateCreationDateTime json.Number                         `json:"ApproximateCreationDateTime"`
}

func decodeDynamoDB(raw []byte) (model.ChangeEvent, error) {
	var rec streamRecord
	if err := unmarshalNumbers(raw, &rec); err != nil {
		return model.ChangeEvent{}, malformed("invalid dynamodb record: %v", err)
	}
	if strings.TrimSpace(rec.EventName) == "" {
		return model.ChangeEvent{}, malformed("missing operation")
	}
	op, err := model.ParseOperation(rec.EventName)
	if err != nil {
		return model.ChangeEvent{}, malformed("%v", err)
	}
	if len(rec.DynamoDB.Keys) == 0 {
		return model.ChangeEvent{}, malformed("missing keys")
	}
	ev := model.ChangeEvent{Operation: op, SequenceNumber: rec.DynamoDB.SequenceNumber}
	if ev.Keys, err = attributeMap(rec.DynamoDB.Keys); err != nil {
		return model.ChangeEvent{}, malformed("Keys: %v", err)
	}
	for name, v := range ev.Keys {
		if v == nil {
			return model.ChangeEvent{}, malformed("key %q is null", name)
		}
	}
	if rec.DynamoDB.NewImage != nil {
		if ev.NewImage, err = attributeMap(rec.DynamoDB.NewImage); err != nil {
			return model.ChangeEvent{}, malformed("NewImage: %v", err)
		}
	}
	if rec.DynamoDB.OldImage != nil {
		if ev.OldImage, err = attributeMap(rec.DynamoDB.OldImage); err != nil {
			return model.ChangeEvent{}, malformed("OldImage: %v", err)
		}
	}
	if rec.DynamoDB.ApproximateCreationDateTime != "" {
		if ev.ApproximateEventTime, err = epochSeconds(rec.DynamoDB.ApproximateCreationDateTime); err != nil {
			return model.ChangeEvent{}, malformed("ApproximateCreationDateTime: %v", err)
		}
	}
	return ev, nil
}

// epochSeconds converts a possibly fractional seconds value without going
// through float64 for the integral part.
func epochSeconds(n json.Number) (time.Time, error) {
	s := n.String()
	whole, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var nsec int64
	if frac != "" {
		if len(frac) > 9 {
			frac = frac[:9]
		}
		frac += strings.Repeat("0", 9-len(frac))
		if nsec, err = strconv.ParseInt(frac, 10, 64); err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(sec, nsec).UTC(), nil
}

func attributeMap(m map[string]*dynamodb.AttributeValue) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, av := range m {
		v, err := attributeValue(av)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// attributeValue converts a typed attribute into plain values: N becomes
// json.Number, B becomes base64 text, sets become sorted slices.
func attributeValue(av *dynamodb.AttributeValue) (any, error) {
	switch {
	case av == nil:
		return nil, nil
	case av.S != nil:
		return *av.S, nil
	case av.N != nil:
		return number(*av.N)
	case av.BOOL != nil:
		return *av.BOOL, nil
	case av.NULL != nil && *av.NULL:
		return nil, nil
	case av.B != nil:
		return base64.StdEncoding.EncodeToString(av.B), nil
	case av.M != nil:
		return attributeMap(av.M)
	case av.L != nil:
		out := make([]any, 0, len(av.L))
		for _, e := range av.L {
			v, err := attributeValue(e)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case av.SS != nil:
		out := make([]string, 0, len(av.SS))
		for _, s := range av.SS {
			if s != nil {
				out = append(out, *s)
			}
		}
		sort.Strings(out)
		return toAny(out), nil
	case av.NS != nil:
		nums := make([]json.Number, 0, len(av.NS))
		for _, s := range av.NS {
			if s == nil {
				continue
			}
			n, err := number(*s)
			if err != nil {
				return nil, err
			}
			nums = append(nums, n)
		}
		sort.Slice(nums, func(i, j int) bool { return numberLess(nums[i], nums[j]) })
		out := make([]any, len(nums))
		for i, n := range nums {
			out[i] = n
		}
		return out, nil
	case av.BS != nil:
		out := make([]string, 0, len(av.BS))
		for _, b := range av.BS {
			out = append(out, base64.StdEncoding.EncodeToString(b))
		}
		sort.Strings(out)
		return toAny(out), nil
	}
	return nil, fmt.Errorf("attribute value without type")
}

func number(s string) (json.Number, error) {
	s = strings.TrimSpace(s)
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		if ne, ok := err.(*strconv.NumError); !ok || ne.Err != strconv.ErrRange {
			return "", fmt.Errorf("invalid number %q", s)
		}
	}
	return json.Number(s), nil
}

func numberLess(a, b json.Number) bool {
	fa, ea := a.Float64()
	fb, eb := b.Float64()
	if ea == nil && eb == nil && fa != fb && !math.IsInf(fa, 0) && !math.IsInf(fb, 0) {
		return fa < fb
	}
	return a.String() < b.String()
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
