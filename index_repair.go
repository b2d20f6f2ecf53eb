package s3orm

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// RebuildReport summarizes a CleanIndices run
type RebuildReport struct {
	Model     string
	Records   int
	Entries   int
	Conflicts []string // unique values claimed by more than one record
	Errors    []string
	MaxID     int64
	Duration  time.Duration
}

// rebuildLockTTL bounds how long a crashed rebuild can block the next one
const rebuildLockTTL = 10 * time.Minute

type loadedRecord struct {
	id     int64
	values map[string]any
}

// CleanIndices rebuilds every index of the model from the primary records:
// it drops all existing entries, re-derives them, and resets the max id to
// the highest id found. Unique claims are granted in ascending id order;
// later claimants are reported as conflicts.
func (i *Indexing) CleanIndices(ctx context.Context) (*RebuildReport, error) {
	start := time.Now()
	report := &RebuildReport{Model: i.Model}

	if i.locker != nil {
		release, err := i.locker.Acquire(ctx, "reindex:"+i.Model, rebuildLockTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s for rebuild: %w", i.Model, err)
		}
		defer release()
	}

	ids, err := i.engine.ListHashIDs(ctx, i.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", i.Model, err)
	}

	// Step 1: drop every existing entry
	fields := i.Schema.IndexedFields()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for _, f := range fields {
		g.Go(func() error {
			if err := i.Clear(gctx, f.Name); err != nil {
				return fmt.Errorf("failed to clear %s.%s: %w", i.Model, f.Name, err)
			}
			if f.Unique {
				if err := i.ClearUniques(gctx, f.Name); err != nil {
					return fmt.Errorf("failed to clear unique %s.%s: %w", i.Model, f.Name, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 2: load the primary records
	records := make([]loadedRecord, len(ids))
	var mu sync.Mutex
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for n, id := range ids {
		g.Go(func() error {
			payload, err := i.engine.GetHash(gctx, i.Model, id)
			if err == nil {
				var values map[string]any
				values, err = decodeRecord(i.Schema, payload)
				if err == nil {
					records[n] = loadedRecord{id: id, values: values}
					return nil
				}
			}
			if gctx.Err() != nil {
				return gctx.Err()
			}
			mu.Lock()
			report.Errors = append(report.Errors, fmt.Sprintf("failed to load %s/%d: %v", i.Model, id, err))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 3: unique claims, sequential so the lowest id wins
	for _, rec := range records {
		if rec.values == nil {
			continue
		}
		for _, f := range i.Schema.UniqueFields() {
			v := rec.values[f.Name]
			if isEmptyValue(v) {
				continue
			}
			err := i.forRecord(rec.id).AddUnique(ctx, f.Name, v)
			if IsUniqueViolation(err) {
				report.Conflicts = append(report.Conflicts, fmt.Sprintf("%s.%s id=%d: %v", i.Model, f.Name, rec.id, err))
				continue
			}
			if err != nil {
				return nil, err
			}
			report.Entries++
		}
	}

	// Step 4: basic and numeric entries
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for _, rec := range records {
		if rec.values == nil {
			continue
		}
		g.Go(func() error {
			idx := i.forRecord(rec.id)
			for _, f := range fields {
				v := rec.values[f.Name]
				if isEmptyValue(v) {
					continue
				}
				var err error
				if f.IsNumeric() {
					err = idx.AddNumeric(gctx, f.Name, v)
				} else {
					err = idx.Add(gctx, f.Name, v)
				}
				if err != nil {
					return fmt.Errorf("failed to index %s/%d.%s: %w", i.Model, rec.id, f.Name, err)
				}
				mu.Lock()
				report.Entries++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Step 5: max id
	for _, id := range ids {
		if id > report.MaxID {
			report.MaxID = id
		}
	}
	if err := i.SetMaxID(ctx, report.MaxID); err != nil {
		return nil, fmt.Errorf("failed to reset %s max id: %w", i.Model, err)
	}

	report.Records = len(ids)
	report.Duration = time.Since(start)
	i.logger.Info("index rebuild completed",
		"model", i.Model,
		"records", report.Records,
		"entries", report.Entries,
		"conflicts", len(report.Conflicts),
		"errors", len(report.Errors),
		"max_id", report.MaxID,
		"duration", report.Duration,
	)
	return report, nil
}

// IndexHealthReport is the result of a CheckIndexHealth sample
type IndexHealthReport struct {
	Timestamp       time.Time
	Model           string
	TotalSampled    int
	Missing         int
	Orphaned        int
	DriftPercentage float64
	MissingKeys     []string // field:id pairs with no index entry
	OrphanedKeys    []string // field:id pairs pointing at no record
}

// CheckIndexHealth samples up to sampleSize records and verifies their
// index entries exist, then scans every field index for entries whose
// record is gone. Nothing is modified.
func (i *Indexing) CheckIndexHealth(ctx context.Context, sampleSize int) (*IndexHealthReport, error) {
	report := &IndexHealthReport{
		Timestamp:    time.Now(),
		Model:        i.Model,
		MissingKeys:  make([]string, 0),
		OrphanedKeys: make([]string, 0),
	}

	ids, err := i.engine.ListHashIDs(ctx, i.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s records: %w", i.Model, err)
	}
	live := make(map[int64]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}

	sampled := make([]int64, len(ids))
	copy(sampled, ids)
	rand.Shuffle(len(sampled), func(a, b int) {
		sampled[a], sampled[b] = sampled[b], sampled[a]
	})
	if sampleSize > 0 && sampleSize < len(sampled) {
		sampled = sampled[:sampleSize]
	}
	sort.Slice(sampled, func(a, b int) bool { return sampled[a] < sampled[b] })
	report.TotalSampled = len(sampled)

	for _, id := range sampled {
		payload, err := i.engine.GetHash(ctx, i.Model, id)
		if err != nil {
			continue // removed since listing
		}
		values, err := decodeRecord(i.Schema, payload)
		if err != nil {
			i.logger.Warn("skipping undecodable record", "model", i.Model, "id", id, "error", err)
			continue
		}
		for _, f := range i.Schema.IndexedFields() {
			v := values[f.Name]
			if isEmptyValue(v) {
				continue
			}
			ok, err := i.forRecord(id).hasEntries(ctx, f, v)
			if err != nil {
				return nil, err
			}
			if !ok {
				report.Missing++
				report.MissingKeys = append(report.MissingKeys, f.Name+":"+strconv.FormatInt(id, 10))
			}
		}
	}

	for _, f := range i.Schema.IndexedFields() {
		entries, err := i.List(ctx, f.Name)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !live[e.ID] {
				report.Orphaned++
				report.OrphanedKeys = append(report.OrphanedKeys, f.Name+":"+strconv.FormatInt(e.ID, 10))
			}
		}
	}

	if report.TotalSampled > 0 {
		report.DriftPercentage = float64(report.Missing+report.Orphaned) / float64(report.TotalSampled) * 100.0
	} else if report.Orphaned > 0 {
		report.DriftPercentage = 100.0
	}
	i.metrics.Gauge(MetricIndexDrift, report.DriftPercentage, "model", i.Model)
	return report, nil
}

// hasEntries reports whether every entry value implies for ID exists
func (i *Indexing) hasEntries(ctx context.Context, f *Field, value any) (bool, error) {
	if f.Unique {
		owner, held, err := i.UniqueOwner(ctx, f.Name, value)
		if err != nil {
			return false, err
		}
		if !held || owner != i.ID {
			return false, nil
		}
	}

	var key string
	if f.IsNumeric() {
		score, err := toFloat64(value)
		if err != nil {
			return false, err
		}
		key = i.engine.keys.BuildScoredKey(KindZSets, i.fieldCollection(f.Name), strconv.FormatInt(i.ID, 10), score)
	} else {
		canon, err := f.EncodeValue(value)
		if err != nil {
			return false, err
		}
		key = i.engine.keys.BuildIndexKey(i.fieldCollection(f.Name), canon, i.ID)
	}
	return i.engine.HasScalar(ctx, key)
}
