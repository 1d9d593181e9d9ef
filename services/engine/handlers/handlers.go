// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the engine's HTTP API: run lifecycle,
// operator resume, and reconciliation review actions.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/docflowio/docflow/services/engine/coordinator"
	"github.com/docflowio/docflow/services/engine/datatypes"
	"github.com/docflowio/docflow/services/engine/recon"
	"github.com/docflowio/docflow/services/engine/store"
)

// HealthCheck reports process liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// StartRun triggers a workflow run and blocks until it reaches
// quiescence.
func StartRun(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.StartRunRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		runID, err := coord.StartRun(c.Request.Context(), req.WorkflowID, req.Documents)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, coordinator.ErrNoDocuments):
				status = http.StatusBadRequest
			case errors.Is(err, store.ErrNotFound):
				status = http.StatusNotFound
			}
			slog.Error("Run start failed", "workflow_id", req.WorkflowID, "error", err)
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, datatypes.StartRunResponse{RunID: runID})
	}
}

// GetRun returns a run record with all of its executions.
func GetRun(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		run, err := st.GetRun(c.Request.Context(), runID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		execs, err := st.ListExecutionsByRun(c.Request.Context(), runID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.RunStatusResponse{Run: run, Executions: execs})
	}
}

// GetRunNodes returns per-node visit counts for a run, the data behind
// a workflow progress board.
func GetRunNodes(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		run, err := st.GetRun(c.Request.Context(), runID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		execs, err := st.ListExecutionsByRun(c.Request.Context(), runID)
		if err != nil {
			respondStoreError(c, err)
			return
		}

		byNode := map[string]*datatypes.NodeStatusSummary{}
		if run.Graph != nil {
			for _, n := range run.Graph.Nodes {
				byNode[n.ID] = &datatypes.NodeStatusSummary{
					NodeID: n.ID, NodeName: n.Name, Counts: map[string]int{},
				}
			}
		}
		for _, exec := range execs {
			logs, err := st.ListLogs(c.Request.Context(), exec.ID)
			if err != nil {
				respondStoreError(c, err)
				return
			}
			for _, row := range logs {
				summary, ok := byNode[row.NodeID]
				if !ok {
					// Node since removed from the definition; still report it.
					summary = &datatypes.NodeStatusSummary{
						NodeID: row.NodeID, NodeName: row.NodeName, Counts: map[string]int{},
					}
					byNode[row.NodeID] = summary
				}
				summary.Counts[string(row.Status)]++
			}
		}

		nodes := make([]datatypes.NodeStatusSummary, 0, len(byNode))
		for _, s := range byNode {
			nodes = append(nodes, *s)
		}
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
		c.JSON(http.StatusOK, gin.H{"run_id": runID, "nodes": nodes})
	}
}

// ListFailed returns a run's failed and orphaned executions.
func ListFailed(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		listByStatus(c, st, func(s datatypes.ExecutionStatus) bool {
			return s == datatypes.ExecutionFailed || s == datatypes.ExecutionOrphaned
		})
	}
}

// ListHeld returns a run's held and unrouted executions, the operator's
// work queue.
func ListHeld(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		listByStatus(c, st, func(s datatypes.ExecutionStatus) bool {
			return s == datatypes.ExecutionHeld || s == datatypes.ExecutionUnrouted
		})
	}
}

func listByStatus(c *gin.Context, st *store.Store, keep func(datatypes.ExecutionStatus) bool) {
	runID := c.Param("id")
	if _, err := st.GetRun(c.Request.Context(), runID); err != nil {
		respondStoreError(c, err)
		return
	}
	execs, err := st.ListExecutionsByRun(c.Request.Context(), runID)
	if err != nil {
		respondStoreError(c, err)
		return
	}
	filtered := make([]datatypes.DocumentExecution, 0)
	for _, exec := range execs {
		if keep(exec.Status) {
			filtered = append(filtered, exec)
		}
	}
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "executions": filtered})
}

// ResumeExecution wakes a held or unrouted document from a given node
// and port.
func ResumeExecution(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		execID := c.Param("id")
		var req datatypes.ResumeRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		err := coord.ResumeExecution(c.Request.Context(), execID, req.FromNodeID, req.RunID, req.Port)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, store.ErrNotFound):
				status = http.StatusNotFound
			case errors.Is(err, coordinator.ErrRunMismatch),
				errors.Is(err, coordinator.ErrOrphaned),
				errors.Is(err, coordinator.ErrPortDeadEnd):
				status = http.StatusBadRequest
			case errors.Is(err, coordinator.ErrNotResumable),
				errors.Is(err, store.ErrConsistency):
				status = http.StatusConflict
			}
			slog.Warn("Resume rejected", "execution_id", execID, "error", err)
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "resumed", "execution_id": execID})
	}
}

// ForceComparison marks one comparison rule as operator-approved.
// Documents stay held until an explicit resume.
func ForceComparison(engine *recon.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		set, err := engine.ForceComparison(c.Request.Context(), c.Param("id"), c.Param("ruleId"))
		if err != nil {
			respondReconError(c, err)
			return
		}
		c.JSON(http.StatusOK, set)
	}
}

// RejectSet permanently rejects a matching set and its documents.
func RejectSet(engine *recon.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		set, err := engine.RejectSet(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondReconError(c, err)
			return
		}
		c.JSON(http.StatusOK, set)
	}
}

// RerunComparisons re-evaluates a pending set after document metadata
// was corrected out of band.
func RerunComparisons(engine *recon.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		set, err := engine.RerunComparisons(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondReconError(c, err)
			return
		}
		c.JSON(http.StatusOK, set)
	}
}

// GetMatchingSet returns a set with its member documents and comparison
// results.
func GetMatchingSet(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		setID := c.Param("id")
		set, err := st.GetMatchingSet(c.Request.Context(), setID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		docs, err := st.ListSetDocs(c.Request.Context(), setID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		comps, err := st.ListComparisons(c.Request.Context(), setID)
		if err != nil {
			respondStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"set": set, "documents": docs, "comparisons": comps})
	}
}

func respondStoreError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConsistency):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func respondReconError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, recon.ErrSetState), errors.Is(err, store.ErrConsistency):
		status = http.StatusConflict
	case errors.Is(err, recon.ErrUnknownComparison), errors.Is(err, recon.ErrBadRule):
		status = http.StatusBadRequest
	}
	slog.Warn("Reconciliation action rejected", "set_id", c.Param("id"), "error", err)
	c.JSON(status, gin.H{"error": err.Error()})
}
