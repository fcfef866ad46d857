package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// envelope is the native change notification the ingest feed decodes.
type envelope struct {
	Operation            string         `json:"operation"`
	Keys                 map[string]any `json:"keys"`
	NewImage             map[string]any `json:"newImage,omitempty"`
	OldImage             map[string]any `json:"oldImage,omitempty"`
	SequenceNumber       string         `json:"sequenceNumber"`
	ApproximateEventTime string         `json:"approximateEventTime"`
}

type genOptions struct {
	Count int
	Keys  int
	// Late is the fraction of events whose event time is pushed into the past.
	Late float64
	// Dup is the fraction of events emitted twice.
	Dup  float64
	Base time.Time
	Seed int64
}

// generate returns count envelopes over a fixed key space. Each key starts
// with an INSERT, then takes UPDATEs and DELETEs; a deleted key is inserted
// again before it is updated.
func generate(o genOptions) ([][]byte, error) {
	if o.Keys <= 0 {
		o.Keys = 1
	}
	rng := rand.New(rand.NewSource(o.Seed))
	type keyState struct {
		live  bool
		image map[string]any
	}
	state := make([]keyState, o.Keys)
	stores := []string{"A", "B", "C"}

	out := make([][]byte, 0, o.Count)
	for i := 0; len(out) < o.Count; i++ {
		k := rng.Intn(o.Keys)
		id := fmt.Sprintf("k%d", k+1)
		at := o.Base.Add(time.Duration(i) * time.Second)
		if rng.Float64() < o.Late {
			at = at.Add(-time.Duration(1+rng.Intn(60)) * time.Second)
		}
		env := envelope{
			Keys:                 map[string]any{"id": id},
			SequenceNumber:       fmt.Sprint(i + 1),
			ApproximateEventTime: at.UTC().Format(time.RFC3339Nano),
		}
		image := map[string]any{
			"id":         id,
			"store":      stores[rng.Intn(len(stores))],
			"amount":     1000 + rng.Intn(9000),
			"qty":        1 + rng.Intn(5),
			"updated_at": at.UnixMilli(),
		}
		st := &state[k]
		switch {
		case !st.live:
			env.Operation = "INSERT"
			env.NewImage = image
			st.live, st.image = true, image
		case rng.Intn(5) == 0:
			env.Operation = "DELETE"
			env.OldImage = st.image
			st.live, st.image = false, nil
		default:
			env.Operation = "UPDATE"
			env.OldImage = st.image
			env.NewImage = image
			st.image = image
		}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("encode event %d: %w", i+1, err)
		}
		out = append(out, b)
		if len(out) < o.Count && rng.Float64() < o.Dup {
			out = append(out, b)
		}
	}
	return out, nil
}
