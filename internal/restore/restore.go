// Package restore rebuilds a table from the latest snapshot plus the staged
// objects of every cycle committed after it.
package restore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"cdcsnap/internal/loader"
	"cdcsnap/internal/manifest"
	"cdcsnap/internal/merge"
	"cdcsnap/internal/model"
	"cdcsnap/internal/snapshot"
	"cdcsnap/internal/staging"
	"cdcsnap/internal/table"
)

// History lists committed cycles in commit order.
type History interface {
	manifest.Reader
	Cycles() ([]manifest.CycleManifest, error)
}

type Restorer struct {
	tb      table.Table
	snap    snapshot.Snapshotter
	history History
	store   staging.Store
	engine  *merge.Engine
	logger  logrus.FieldLogger
}

func NewRestorer(tb table.Table, snap snapshot.Snapshotter, history History, store staging.Store, engine *merge.Engine, logger logrus.FieldLogger) *Restorer {
	if engine == nil {
		engine = merge.NewEngine(merge.DefaultOptions())
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Restorer{tb: tb, snap: snap, history: history, store: store, engine: engine, logger: logger}
}

type RestoreResult struct {
	SnapshotRows int
	Cycles       int
	Objects      int
	// Missing counts staged objects no longer retained (delete retention).
	Missing int
	Applied int
	Skipped int
	Error   error
}

// RestoreFromSnapshot replaces the table content with the snapshot. An empty
// ID or a missing snapshot leaves the table empty.
func (r *Restorer) RestoreFromSnapshot(snapshotID string) (int, error) {
	if snapshotID == "" || r.snap == nil {
		return 0, r.tb.LoadAll(nil)
	}
	rows, err := r.snap.ReadSnapshot(snapshotID)
	if errors.Is(err, snapshot.ErrNotFound) {
		r.logger.Warnf("restore: snapshot %s not found, starting empty", snapshotID)
		return 0, r.tb.LoadAll(nil)
	}
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	if err := r.tb.LoadAll(rows); err != nil {
		return 0, fmt.Errorf("load snapshot: %w", err)
	}
	r.logger.Infof("restore: loaded %d keys from snapshot %s", len(rows), snapshotID)
	return len(rows), nil
}

// ReplayCycles merges each cycle's staged objects in commit order, one merge
// per cycle, reproducing the original commit sequence.
func (r *Restorer) ReplayCycles(ctx context.Context, cycles []manifest.CycleManifest) RestoreResult {
	var res RestoreResult
	for _, c := range cycles {
		batch, missing, err := r.readCycle(ctx, c)
		if err != nil {
			res.Error = fmt.Errorf("cycle %s: %w", c.CycleID, err)
			return res
		}
		res.Missing += missing
		res.Objects += len(c.Objects) - missing
		mr, err := r.engine.Merge(ctx, r.tb, batch)
		if err != nil {
			res.Error = fmt.Errorf("cycle %s: %w", c.CycleID, err)
			return res
		}
		res.Cycles++
		res.Applied += mr.Mutations()
		res.Skipped += mr.Skipped
	}
	return res
}

func (r *Restorer) readCycle(ctx context.Context, c manifest.CycleManifest) ([]model.CanonicalRecord, int, error) {
	var (
		recs    []model.CanonicalRecord
		missing int
	)
	for _, name := range c.Objects {
		data, err := r.get(ctx, name)
		if errors.Is(err, staging.ErrNotFound) {
			r.logger.Warnf("restore: staged object %s of cycle %s is gone", name, c.CycleID)
			missing++
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		batch, err := loader.Decode(data)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: %w", name, err)
		}
		recs = append(recs, batch...)
	}
	return recs, missing, nil
}

// get looks in the archive first, then where the object was staged.
func (r *Restorer) get(ctx context.Context, name string) ([]byte, error) {
	archived := staging.ArchivePrefix + strings.TrimPrefix(name, staging.PendingPrefix)
	data, err := r.store.Get(ctx, archived)
	if errors.Is(err, staging.ErrNotFound) {
		return r.store.Get(ctx, name)
	}
	return data, err
}

// RestoreAndReplay loads the snapshot named by the latest manifest and replays
// the cycles committed after that snapshot was taken.
func (r *Restorer) RestoreAndReplay(ctx context.Context) (RestoreResult, error) {
	latest, err := r.history.ReadLatest(ctx)
	if errors.Is(err, manifest.ErrNoManifest) {
		return RestoreResult{}, nil
	}
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	}
	n, err := r.RestoreFromSnapshot(latest.SnapshotID)
	if err != nil {
		return RestoreResult{}, fmt.Errorf("restore snapshot: %w", err)
	}

	cycles, err := r.history.Cycles()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read cycles: %w", err)
	}
	// without snapshot rows every cycle is replayed from an empty table
	start := 0
	if n > 0 {
		for i, c := range cycles {
			if c.CycleID == latest.SnapshotID {
				start = i + 1
				break
			}
		}
	}
	res := r.ReplayCycles(ctx, cycles[start:])
	res.SnapshotRows = n
	return res, res.Error
}
