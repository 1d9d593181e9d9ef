// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package clients

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/docflowio/docflow/services/engine/datatypes"
)

// workflowFile is the on-disk YAML shape of one workflow definition.
type workflowFile struct {
	ID    string `yaml:"id"`
	Nodes []struct {
		ID     string         `yaml:"id"`
		Kind   string         `yaml:"kind"`
		Name   string         `yaml:"name"`
		Config map[string]any `yaml:"config"`
	} `yaml:"nodes"`
	Edges []struct {
		Source     string `yaml:"source"`
		SourcePort string `yaml:"source_port"`
		Target     string `yaml:"target"`
		TargetPort string `yaml:"target_port"`
	} `yaml:"edges"`
}

// DirGraphStore serves workflow definitions from a directory of YAML
// files, one workflow per `<workflowID>.yaml`.
//
// # Description
//
// Parsed graphs are cached. An fsnotify watcher invalidates the cache
// entry when its file changes, so edits show up on the next StartRun
// without a restart. Runs already started are unaffected: the
// coordinator snapshots the graph into the run record.
//
// # Thread Safety
//
// Safe for concurrent use.
type DirGraphStore struct {
	dir     string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu    sync.RWMutex
	cache map[string]*datatypes.WorkflowGraph

	done     chan struct{}
	stopOnce sync.Once
}

// NewDirGraphStore opens a graph store over dir and starts watching it.
//
// Outputs:
//
//	*DirGraphStore - Ready store. Caller must Close() when done.
//	error - Non-nil if dir does not exist or the watcher cannot start.
func NewDirGraphStore(dir string, logger *slog.Logger) (*DirGraphStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("workflow dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workflow dir %s: not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	s := &DirGraphStore{
		dir:     dir,
		logger:  logger,
		watcher: watcher,
		cache:   make(map[string]*datatypes.WorkflowGraph),
		done:    make(chan struct{}),
	}
	go s.watch()
	return s, nil
}

// Close stops the watcher.
func (s *DirGraphStore) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.watcher.Close()
}

// Graph returns the workflow definition for workflowID.
func (s *DirGraphStore) Graph(ctx context.Context, workflowID string) (*datatypes.WorkflowGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	cached, ok := s.cache[workflowID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	graph, err := s.load(workflowID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[workflowID] = graph
	s.mu.Unlock()
	return graph, nil
}

func (s *DirGraphStore) load(workflowID string) (*datatypes.WorkflowGraph, error) {
	path := filepath.Join(s.dir, workflowID+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, workflowID)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file workflowFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if file.ID != "" && file.ID != workflowID {
		return nil, fmt.Errorf("parse %s: file declares id %q, expected %q", path, file.ID, workflowID)
	}

	graph := &datatypes.WorkflowGraph{
		ID:    workflowID,
		Nodes: make([]datatypes.WorkflowNode, 0, len(file.Nodes)),
		Edges: make([]datatypes.WorkflowEdge, 0, len(file.Edges)),
	}
	for _, n := range file.Nodes {
		graph.Nodes = append(graph.Nodes, datatypes.WorkflowNode{
			ID:     n.ID,
			Kind:   datatypes.NodeKind(n.Kind),
			Name:   n.Name,
			Config: n.Config,
		})
	}
	for _, e := range file.Edges {
		sourcePort := e.SourcePort
		if sourcePort == "" {
			sourcePort = datatypes.PortDefault
		}
		graph.Edges = append(graph.Edges, datatypes.WorkflowEdge{
			SourceNodeID: e.Source,
			SourcePort:   sourcePort,
			TargetNodeID: e.Target,
			TargetPort:   e.TargetPort,
		})
	}
	return graph, nil
}

// watch invalidates cache entries as their backing files change.
func (s *DirGraphStore) watch() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".yaml") {
				continue
			}
			workflowID := strings.TrimSuffix(name, ".yaml")
			s.mu.Lock()
			delete(s.cache, workflowID)
			s.mu.Unlock()
			s.logger.Debug("workflow definition changed",
				"workflow_id", workflowID,
				"op", event.Op.String())
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("workflow watcher error", "error", err)
		}
	}
}
