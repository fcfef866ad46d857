// Package normalize turns decoded change events into canonical records.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cdcsnap/internal/envelope"
	"cdcsnap/internal/model"
)

// ErrRejected is wrapped by every normalization failure.
var ErrRejected = errors.New("rejected record")

// Rejection carries the reason a change event could not be normalized.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "rejected record: " + r.Reason }

func (r *Rejection) Unwrap() error { return ErrRejected }

func reject(format string, args ...any) error {
	return &Rejection{Reason: fmt.Sprintf(format, args...)}
}

// Sequence hands out ingest sequence numbers. It is owned by whoever builds the
// Normalizer and starts from zero on every process start.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next sequence number, starting at 1.
func (s *Sequence) Next() uint64 { return s.n.Add(1) }

// Reserve returns the first of n consecutive sequence numbers.
func (s *Sequence) Reserve(n int) uint64 {
	if n <= 0 {
		return 0
	}
	return s.n.Add(uint64(n)) - uint64(n) + 1
}

// Current returns the last number handed out.
func (s *Sequence) Current() uint64 { return s.n.Load() }

// TimestampFormat is the one encoding a payload timestamp field may use.
type TimestampFormat string

const (
	// FormatInt takes integer values as-is.
	FormatInt TimestampFormat = "int"
	// FormatRFC3339 converts RFC3339 strings to unix nanoseconds.
	FormatRFC3339 TimestampFormat = "rfc3339"
)

// Policy selects where the precombine timestamp comes from. It is fixed for
// the lifetime of a Normalizer.
type Policy struct {
	// Field names a payload attribute holding the business timestamp. Empty
	// means the approximate event time of the change notification.
	Field string
	// Format pins the field encoding; empty means FormatInt. A value in the
	// other encoding is rejected so units never mix within one table.
	Format TimestampFormat
}

// ParsePolicy understands "event_time" and "payload_field:<name>[:int|rfc3339]".
func ParsePolicy(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "event_time":
		return Policy{}, nil
	case strings.HasPrefix(s, "payload_field:"):
		f := strings.TrimSpace(strings.TrimPrefix(s, "payload_field:"))
		format := FormatInt
		if i := strings.LastIndex(f, ":"); i >= 0 {
			switch TimestampFormat(f[i+1:]) {
			case FormatInt, FormatRFC3339:
				format = TimestampFormat(f[i+1:])
			default:
				return Policy{}, fmt.Errorf("unknown timestamp format %q", f[i+1:])
			}
			f = strings.TrimSpace(f[:i])
		}
		if f == "" {
			return Policy{}, fmt.Errorf("payload_field policy without field name")
		}
		return Policy{Field: f, Format: format}, nil
	}
	return Policy{}, fmt.Errorf("unknown timestamp policy %q", s)
}

func (p Policy) format() TimestampFormat {
	if p.Format == "" {
		return FormatInt
	}
	return p.Format
}

func (p Policy) String() string {
	if p.Field == "" {
		return "event_time"
	}
	return "payload_field:" + p.Field + ":" + string(p.format())
}

// Normalizer converts change events into canonical records.
type Normalizer struct {
	policy Policy
	seq    *Sequence
	now    func() time.Time
}

func New(policy Policy, seq *Sequence) *Normalizer {
	if seq == nil {
		seq = &Sequence{}
	}
	return &Normalizer{policy: policy, seq: seq, now: time.Now}
}

// Policy returns the timestamp policy in use.
func (n *Normalizer) Policy() Policy { return n.policy }

// Normalize converts one event, consuming one ingest sequence number on success.
func (n *Normalizer) Normalize(ev model.ChangeEvent) (model.CanonicalRecord, error) {
	rec, err := n.build(ev)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	rec.IngestSequence = n.seq.Next()
	return rec, nil
}

// build does everything except sequence assignment and is safe to call from
// several goroutines.
func (n *Normalizer) build(ev model.ChangeEvent) (model.CanonicalRecord, error) {
	if len(ev.Keys) == 0 {
		return model.CanonicalRecord{}, reject("missing key attributes")
	}
	key, err := RecordKey(ev.Keys)
	if err != nil {
		return model.CanonicalRecord{}, reject("%v", err)
	}
	rec := model.CanonicalRecord{RecordKey: key, SourceSequence: ev.SequenceNumber}

	var image map[string]any
	switch ev.Operation {
	case model.OpInsert, model.OpUpdate:
		if ev.NewImage == nil {
			return model.CanonicalRecord{}, reject("%s without new image", ev.Operation)
		}
		for name, kv := range ev.Keys {
			v, ok := ev.NewImage[name]
			if !ok {
				return model.CanonicalRecord{}, reject("key attribute %q missing from new image", name)
			}
			if !sameValue(v, kv) {
				return model.CanonicalRecord{}, reject("key attribute %q differs from new image", name)
			}
		}
		rec.Op = model.TagUpsert
		if rec.Payload, err = Flatten(ev.NewImage); err != nil {
			return model.CanonicalRecord{}, reject("%v", err)
		}
		image = ev.NewImage
	case model.OpDelete:
		rec.Op = model.TagDelete
		image = ev.OldImage
	default:
		return model.CanonicalRecord{}, reject("unknown operation %v", ev.Operation)
	}

	ts, err := n.precombine(ev, image)
	if err != nil {
		return model.CanonicalRecord{}, err
	}
	rec.PrecombineTS = ts
	return rec, nil
}

func (n *Normalizer) precombine(ev model.ChangeEvent, image map[string]any) (int64, error) {
	if n.policy.Field == "" {
		if ev.ApproximateEventTime.IsZero() {
			return 0, reject("missing approximate event time")
		}
		return ev.ApproximateEventTime.UnixNano(), nil
	}
	v, ok := lookup(image, n.policy.Field)
	if !ok || v == nil {
		return 0, reject("missing timestamp field %q", n.policy.Field)
	}
	ts, err := businessTimestamp(v, n.policy.format())
	if err != nil {
		return 0, reject("timestamp field %q: %v", n.policy.Field, err)
	}
	return ts, nil
}

// businessTimestamp decodes v in the pinned format. FormatInt accepts JSON
// integers and decimal strings; fractional numbers are refused because they
// cannot be compared bit-for-bit once rounded. FormatRFC3339 accepts only
// RFC3339 strings.
func businessTimestamp(v any, format TimestampFormat) (int64, error) {
	if format == FormatRFC3339 {
		x, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("want RFC3339 string, got %T", v)
		}
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return 0, fmt.Errorf("not RFC3339: %q", x)
		}
		return t.UnixNano(), nil
	}
	switch x := v.(type) {
	case json.Number:
		i, err := strconv.ParseInt(x.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %s", x)
		}
		return i, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		i, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("want integer, got %q", x)
		}
		return i, nil
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

// lookup resolves a dotted path in a nested image.
func lookup(image map[string]any, path string) (any, bool) {
	if v, ok := image[path]; ok {
		return v, true
	}
	cur := any(image)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// Reject builds the rejection sink entry for ev.
func (n *Normalizer) Reject(stage string, raw []byte, err error) model.RejectedRecord {
	reason := err.Error()
	var rj *Rejection
	if errors.As(err, &rj) {
		reason = rj.Reason
	}
	return model.RejectedRecord{
		Stage:    stage,
		Reason:   reason,
		Envelope: append([]byte(nil), raw...),
		At:       n.now().UTC(),
	}
}

// Result is the outcome of Process: exactly one of Record or Rejected is set.
type Result struct {
	Record   *model.CanonicalRecord
	Rejected *model.RejectedRecord
}

// Process decodes and normalizes one raw envelope.
func (n *Normalizer) Process(raw []byte) Result {
	ev, err := envelope.Decode(raw)
	if err != nil {
		rr := n.Reject(model.StageDecode, raw, err)
		return Result{Rejected: &rr}
	}
	rec, err := n.Normalize(ev)
	if err != nil {
		rr := n.Reject(model.StageNormalize, raw, err)
		return Result{Rejected: &rr}
	}
	return Result{Record: &rec}
}

// ProcessBatch decodes and normalizes raws on up to workers goroutines. Ingest
// sequence numbers are reserved up front in input order so the outcome does
// not depend on scheduling; results are returned in input order.
func (n *Normalizer) ProcessBatch(raws [][]byte, workers int) []Result {
	out := make([]Result, len(raws))
	if len(raws) == 0 {
		return out
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(raws) {
		workers = len(raws)
	}
	base := n.seq.Reserve(len(raws))

	var wg sync.WaitGroup
	idx := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				out[i] = n.processAt(raws[i], base+uint64(i))
			}
		}()
	}
	for i := range raws {
		idx <- i
	}
	close(idx)
	wg.Wait()
	return out
}

func (n *Normalizer) processAt(raw []byte, seq uint64) Result {
	ev, err := envelope.Decode(raw)
	if err != nil {
		rr := n.Reject(model.StageDecode, raw, err)
		return Result{Rejected: &rr}
	}
	rec, err := n.build(ev)
	if err != nil {
		rr := n.Reject(model.StageNormalize, raw, err)
		return Result{Rejected: &rr}
	}
	rec.IngestSequence = seq
	return Result{Record: &rec}
}

// RecordKey derives the stable record key: attribute values in sorted name
// order, joined with '#'. '#' and '\' inside values are escaped.
func RecordKey(keys map[string]any) (string, error) {
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		v := keys[name]
		if v == nil {
			return "", fmt.Errorf("key attribute %q is null", name)
		}
		s, err := scalar(v)
		if err != nil {
			return "", fmt.Errorf("key attribute %q: %w", name, err)
		}
		parts = append(parts, keyEscaper.Replace(s))
	}
	return strings.Join(parts, "#"), nil
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `#`, `\#`)

func scalar(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func sameValue(a, b any) bool {
	sa, ea := scalar(a)
	sb, eb := scalar(b)
	if ea == nil && eb == nil {
		return sa == sb
	}
	return reflect.DeepEqual(a, b)
}
