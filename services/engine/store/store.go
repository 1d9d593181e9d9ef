// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/docflowio/docflow/services/engine/datatypes"
)

// Store is the BadgerDB-backed execution state store.
type Store struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger
}

// Open opens the state store.
//
// Inputs:
//
//	cfg - Database configuration. Use DefaultConfig() or InMemoryConfig().
//
// Outputs:
//
//	*Store - Ready-to-use store. Caller must Close() when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = &gcRunner{
			db:       db,
			interval: cfg.GCInterval,
			ratio:    cfg.GCDiscardRatio,
			stopCh:   make(chan struct{}),
			doneCh:   make(chan struct{}),
			logger:   logger,
		}
		go s.gc.run()
	}
	return s, nil
}

// Close stops garbage collection and closes the database.
func (s *Store) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

// =============================================================================
// JSON helpers
// =============================================================================

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// =============================================================================
// Workflow runs
// =============================================================================

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *datatypes.WorkflowRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, runKey(run.ID))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: run %s", ErrConsistency, run.ID)
		}
		return setJSON(txn, runKey(run.ID), run)
	})
}

// GetRun loads a workflow run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*datatypes.WorkflowRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var run datatypes.WorkflowRun
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, runKey(runID), &run)
	})
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}
	return &run, nil
}

// UpdateRun overwrites an existing run record.
func (s *Store) UpdateRun(ctx context.Context, run *datatypes.WorkflowRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, runKey(run.ID))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
		}
		return setJSON(txn, runKey(run.ID), run)
	})
}

// =============================================================================
// Document executions
// =============================================================================

// CreateExecution persists a new document execution and its run index.
func (s *Store) CreateExecution(ctx context.Context, exec *datatypes.DocumentExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, execKey(exec.ID))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: execution %s", ErrConsistency, exec.ID)
		}
		if err := setJSON(txn, execKey(exec.ID), exec); err != nil {
			return err
		}
		return txn.Set(runExecKey(exec.RunID, exec.ID), nil)
	})
}

// GetExecution loads a document execution by id.
func (s *Store) GetExecution(ctx context.Context, execID string) (*datatypes.DocumentExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var exec datatypes.DocumentExecution
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, execKey(execID), &exec)
	})
	if err != nil {
		return nil, fmt.Errorf("execution %s: %w", execID, err)
	}
	return &exec, nil
}

// UpdateExecution overwrites an existing execution record, bumping
// UpdatedAt.
func (s *Store) UpdateExecution(ctx context.Context, exec *datatypes.DocumentExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	exec.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, execKey(exec.ID))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("execution %s: %w", exec.ID, ErrNotFound)
		}
		return setJSON(txn, execKey(exec.ID), exec)
	})
}

// ListExecutionsByRun returns a run's executions ordered by creation
// time then id.
func (s *Store) ListExecutionsByRun(ctx context.Context, runID string) ([]datatypes.DocumentExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var execs []datatypes.DocumentExecution
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := runExecPrefix(runID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			execID := string(it.Item().Key()[len(prefix):])
			var exec datatypes.DocumentExecution
			if err := getJSON(txn, execKey(execID), &exec); err != nil {
				return fmt.Errorf("execution %s: %w", execID, err)
			}
			execs = append(execs, exec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(execs, func(i, j int) bool {
		if !execs[i].CreatedAt.Equal(execs[j].CreatedAt) {
			return execs[i].CreatedAt.Before(execs[j].CreatedAt)
		}
		return execs[i].ID < execs[j].ID
	})
	return execs, nil
}

// =============================================================================
// Node execution logs
// =============================================================================

// OpenLog appends a processing log row for a node visit.
//
// Description:
//
//	Enforces the open-row invariant: at most one processing row per
//	execution. A second open row is a consistency violation and is
//	rejected, never repaired. Seq is assigned here (1-based visit
//	order) and written back to the argument.
func (s *Store) OpenLog(ctx context.Context, logRow *datatypes.NodeExecutionLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		prefix := logPrefix(logRow.ExecutionID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()

		count := 0
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
			var existing datatypes.NodeExecutionLog
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return err
			}
			if existing.Status.Open() {
				return fmt.Errorf("%w: execution %s already has open log row at node %s",
					ErrConsistency, logRow.ExecutionID, existing.NodeID)
			}
		}

		logRow.Seq = count + 1
		logRow.Status = datatypes.LogProcessing
		if logRow.StartedAt.IsZero() {
			logRow.StartedAt = time.Now().UTC()
		}
		return setJSON(txn, logKey(logRow.ExecutionID, logRow.Seq), logRow)
	})
}

// CloseLog transitions an open log row to a terminal status.
func (s *Store) CloseLog(ctx context.Context, execID string, seq int, status datatypes.LogStatus, output map[string]any, errText string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if status.Open() {
		return fmt.Errorf("%w: cannot close log row to %s", ErrConsistency, status)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		var logRow datatypes.NodeExecutionLog
		if err := getJSON(txn, logKey(execID, seq), &logRow); err != nil {
			return fmt.Errorf("log %s/%d: %w", execID, seq, err)
		}
		if !logRow.Status.Open() {
			return fmt.Errorf("%w: log %s/%d already closed as %s", ErrConsistency, execID, seq, logRow.Status)
		}
		now := time.Now().UTC()
		logRow.Status = status
		logRow.OutputMetadata = output
		logRow.Error = errText
		logRow.FinishedAt = &now
		return setJSON(txn, logKey(execID, seq), &logRow)
	})
}

// ListLogs returns an execution's log rows in visit order.
func (s *Store) ListLogs(ctx context.Context, execID string) ([]datatypes.NodeExecutionLog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []datatypes.NodeExecutionLog
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := logPrefix(execID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var row datatypes.NodeExecutionLog
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			rows = append(rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// =============================================================================
// Matching sets
// =============================================================================

// CreateMatchingSet persists a new matching set and its rule index.
func (s *Store) CreateMatchingSet(ctx context.Context, set *datatypes.MatchingSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, setKey(set.ID))
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: matching set %s", ErrConsistency, set.ID)
		}
		if err := setJSON(txn, setKey(set.ID), set); err != nil {
			return err
		}
		return txn.Set(ruleSetKey(set.RuleID, set.ID), nil)
	})
}

// GetMatchingSet loads a matching set by id.
func (s *Store) GetMatchingSet(ctx context.Context, setID string) (*datatypes.MatchingSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var set datatypes.MatchingSet
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, setKey(setID), &set)
	})
	if err != nil {
		return nil, fmt.Errorf("matching set %s: %w", setID, err)
	}
	return &set, nil
}

// UpdateMatchingSet overwrites an existing matching set, bumping
// UpdatedAt.
func (s *Store) UpdateMatchingSet(ctx context.Context, set *datatypes.MatchingSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	set.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, setKey(set.ID))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("matching set %s: %w", set.ID, ErrNotFound)
		}
		return setJSON(txn, setKey(set.ID), set)
	})
}

// ListPendingSetsByRule returns a rule's pending sets in creation order
// (ties broken by id), the order target claims are attempted in.
func (s *Store) ListPendingSetsByRule(ctx context.Context, ruleID string) ([]datatypes.MatchingSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var sets []datatypes.MatchingSet
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := ruleSetPrefix(ruleID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			setID := string(it.Item().Key()[len(prefix):])
			var set datatypes.MatchingSet
			if err := getJSON(txn, setKey(setID), &set); err != nil {
				return fmt.Errorf("matching set %s: %w", setID, err)
			}
			if set.Status == datatypes.SetPending {
				sets = append(sets, set)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(sets, func(i, j int) bool {
		if !sets[i].CreatedAt.Equal(sets[j].CreatedAt) {
			return sets[i].CreatedAt.Before(sets[j].CreatedAt)
		}
		return sets[i].ID < sets[j].ID
	})
	return sets, nil
}

// =============================================================================
// Set docs
// =============================================================================

// AddSetDoc adds a document to a matching set.
//
// Description:
//
//	Extractor roles are unique within a set. A duplicate role is a
//	consistency violation and is rejected loudly; the matching state
//	machine must never have offered the slot twice.
func (s *Store) AddSetDoc(ctx context.Context, doc *datatypes.SetDoc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		key := setDocKey(doc.SetID, doc.ExtractorID)
		ok, err := exists(txn, key)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: set %s already holds extractor %s",
				ErrConsistency, doc.SetID, doc.ExtractorID)
		}
		if doc.AddedAt.IsZero() {
			doc.AddedAt = time.Now().UTC()
		}
		return setJSON(txn, key, doc)
	})
}

// ListSetDocs returns a set's member docs ordered by join time.
func (s *Store) ListSetDocs(ctx context.Context, setID string) ([]datatypes.SetDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var docs []datatypes.SetDoc
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := setDocPrefix(setID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var doc datatypes.SetDoc
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			}); err != nil {
				return err
			}
			docs = append(docs, doc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].AddedAt.Equal(docs[j].AddedAt) {
			return docs[i].AddedAt.Before(docs[j].AddedAt)
		}
		return docs[i].ExtractorID < docs[j].ExtractorID
	})
	return docs, nil
}

// =============================================================================
// Comparison results
// =============================================================================

// PutComparison upserts one comparison result.
func (s *Store) PutComparison(ctx context.Context, res *datatypes.ComparisonResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, cmpKey(res.SetID, res.CompRuleID), res)
	})
}

// GetComparison loads one comparison result.
func (s *Store) GetComparison(ctx context.Context, setID, compRuleID string) (*datatypes.ComparisonResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var res datatypes.ComparisonResult
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, cmpKey(setID, compRuleID), &res)
	})
	if err != nil {
		return nil, fmt.Errorf("comparison %s/%s: %w", setID, compRuleID, err)
	}
	return &res, nil
}

// ListComparisons returns a set's comparison results.
func (s *Store) ListComparisons(ctx context.Context, setID string) ([]datatypes.ComparisonResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var results []datatypes.ComparisonResult
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := cmpPrefix(setID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var res datatypes.ComparisonResult
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &res)
			}); err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// =============================================================================
// Held documents
// =============================================================================

// PutHeld upserts a held-document record.
func (s *Store) PutHeld(ctx context.Context, held *datatypes.HeldDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	held.UpdatedAt = time.Now().UTC()
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, heldKey(held.ExecutionID), held)
	})
}

// GetHeld loads the held-document record for an execution.
func (s *Store) GetHeld(ctx context.Context, execID string) (*datatypes.HeldDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var held datatypes.HeldDocument
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, heldKey(execID), &held)
	})
	if err != nil {
		return nil, fmt.Errorf("held %s: %w", execID, err)
	}
	return &held, nil
}

// ListHeldByRun returns held-document records for a run.
//
// Held records are keyed by execution; this scans the held prefix and
// filters. The store is embedded and the held population is the review
// backlog, so the scan stays small.
func (s *Store) ListHeldByRun(ctx context.Context, runID string) ([]datatypes.HeldDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.HeldDocument
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixHeld)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var held datatypes.HeldDocument
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &held)
			}); err != nil {
				return err
			}
			if held.RunID == runID {
				out = append(out, held)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// Startup recovery sweep
// =============================================================================

// SweepStale fails anything left in-flight by a crash.
//
// Description:
//
//	Every execution still marked processing and every run still marked
//	running is flipped to failed. The engine never silently resumes
//	across a process restart; operators retrigger failed documents
//	explicitly.
//
// Outputs:
//
//	int - Executions failed by the sweep.
//	int - Runs failed by the sweep.
//	error - Non-nil if the sweep itself fails. Callers log and continue;
//	        a failed sweep must not block startup.
func (s *Store) SweepStale(ctx context.Context) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	execsFailed := 0
	runsFailed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		execPrefix := []byte(prefixExec)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: execPrefix})
		for it.Seek(execPrefix); it.ValidForPrefix(execPrefix); it.Next() {
			var exec datatypes.DocumentExecution
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &exec)
			}); err != nil {
				it.Close()
				return err
			}
			if exec.Status == datatypes.ExecutionProcessing || exec.Status == datatypes.ExecutionPending {
				exec.Status = datatypes.ExecutionFailed
				exec.Error = "process restart: in-flight execution failed by startup sweep"
				exec.UpdatedAt = time.Now().UTC()
				if err := setJSON(txn, execKey(exec.ID), &exec); err != nil {
					it.Close()
					return err
				}
				execsFailed++
			}
		}
		it.Close()

		runPrefix := []byte(prefixRun)
		rit := txn.NewIterator(badger.IteratorOptions{Prefix: runPrefix})
		defer rit.Close()
		for rit.Seek(runPrefix); rit.ValidForPrefix(runPrefix); rit.Next() {
			var run datatypes.WorkflowRun
			if err := rit.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return err
			}
			if run.Status == datatypes.RunRunning {
				now := time.Now().UTC()
				run.Status = datatypes.RunFailed
				run.Error = "process restart: running run failed by startup sweep"
				run.FinishedAt = &now
				if err := setJSON(txn, runKey(run.ID), &run); err != nil {
					return err
				}
				runsFailed++
			}
		}
		return nil
	})
	if err != nil {
		return execsFailed, runsFailed, fmt.Errorf("%w: %v", ErrSweepFailed, err)
	}
	return execsFailed, runsFailed, nil
}
