// Package mcp provides a Model Context Protocol server for the
// entity-resolution core.
//
// It exposes resolution capabilities (entity listing, conflict review,
// merge, revert, dismiss, preview, detection sweeps, stats) as MCP tools so
// lorekeeper's agents can review and resolve duplicate entities over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/lorekeeper/lorekeeper/internal/detect"
	"github.com/lorekeeper/lorekeeper/internal/merge"
	"github.com/lorekeeper/lorekeeper/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Store    *store.Store
	Executor *merge.Executor
	Detector *detect.Engine
	Version  string
}

// dbMu serializes all MCP tool calls that touch the database.
// The mcp-go library dispatches handlers concurrently via goroutines;
// SQLite supports only one writer at a time, and a review-then-merge tool
// sequence must observe its own earlier writes.
var dbMu sync.Mutex

// NewServer creates a configured MCP server with all resolution tools and
// resources.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Lorekeeper Resolution",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerEntitiesTool(s, cfg.Store)
	registerConflictsTool(s, cfg.Store)
	registerPreviewTool(s, cfg.Executor)
	registerMergeTool(s, cfg.Executor)
	registerRevertTool(s, cfg.Executor)
	registerDismissTool(s, cfg.Store)
	registerDetectTool(s, cfg.Detector)
	registerStatsTool(s, cfg.Store)

	registerStatsResource(s, cfg.Store)
	registerConflictsResource(s, cfg.Store)

	return s
}

func registerEntitiesTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("resolution_entities",
		mcp.WithDescription("List entity candidates by visibility tier. PRIMARY entities are always included; secondary/tertiary on request."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithBoolean("include_secondary",
			mcp.Description("Include SECONDARY-tier candidates"),
		),
		mcp.WithBoolean("include_tertiary",
			mcp.Description("Include TERTIARY-tier candidates"),
		),
		mcp.WithString("type",
			mcp.Description("Filter by entity type"),
			mcp.Enum("character", "location", "org", "concept", "person", "entity"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: 100)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		opts := store.ListOpts{Limit: 100}
		if v, err := req.RequireBool("include_secondary"); err == nil {
			opts.IncludeSecondary = v
		}
		if v, err := req.RequireBool("include_tertiary"); err == nil {
			opts.IncludeTertiary = v
		}
		if v, err := req.RequireString("type"); err == nil && v != "" {
			opts.EntityType = store.EntityType(v)
		}
		if v, err := req.RequireFloat("limit"); err == nil && int(v) > 0 {
			opts.Limit = int(v)
		}

		entities, err := st.ListEntities(ctx, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing entities: %v", err)), nil
		}
		return jsonResult(map[string]any{"entities": entities, "total": len(entities)})
	})
}

func registerConflictsTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("resolution_conflicts",
		mcp.WithDescription("List open duplicate-entity conflicts awaiting merge or dismissal, highest similarity first."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default: 50)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		limit := 50
		if v, err := req.RequireFloat("limit"); err == nil && int(v) > 0 {
			limit = int(v)
		}
		conflicts, err := st.ListOpenConflicts(ctx, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing conflicts: %v", err)), nil
		}
		return jsonResult(map[string]any{"conflicts": conflicts, "total": len(conflicts)})
	})
}

func registerPreviewTool(s *server.MCPServer, x *merge.Executor) {
	tool := mcp.NewTool("resolution_preview",
		mcp.WithDescription("Dry-run a merge: alias union, reference counts per subsystem, and a bounded timeline sample. Nothing is written."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("source_id", mcp.Required(),
			mcp.Description("Entity to absorb"),
		),
		mcp.WithString("target_id", mcp.Required(),
			mcp.Description("Entity that survives"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		sourceID, err := req.RequireString("source_id")
		if err != nil {
			return mcp.NewToolResultError("source_id is required"), nil
		}
		targetID, err := req.RequireString("target_id")
		if err != nil {
			return mcp.NewToolResultError("target_id is required"), nil
		}

		p, err := x.Preview(ctx, sourceID, targetID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("previewing merge: %v", err)), nil
		}
		return jsonResult(p)
	})
}

func registerMergeTool(s *server.MCPServer, x *merge.Executor) {
	tool := mcp.NewTool("resolution_merge",
		mcp.WithDescription("Merge a duplicate entity into its canonical counterpart. Atomic: aliases union, references re-point, the source becomes a tombstone. Returns the reversible merge record."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("source_id", mcp.Required(),
			mcp.Description("Entity to absorb"),
		),
		mcp.WithString("target_id", mcp.Required(),
			mcp.Description("Entity that survives"),
		),
		mcp.WithString("reason",
			mcp.Description("Free-text reason recorded on the merge record"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		sourceID, err := req.RequireString("source_id")
		if err != nil {
			return mcp.NewToolResultError("source_id is required"), nil
		}
		targetID, err := req.RequireString("target_id")
		if err != nil {
			return mcp.NewToolResultError("target_id is required"), nil
		}
		reason := ""
		if v, err := req.RequireString("reason"); err == nil {
			reason = v
		}

		rec, err := x.Merge(ctx, merge.Request{
			SourceID: sourceID,
			TargetID: targetID,
			MergedBy: store.MergedBySystem,
			Reason:   reason,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("merging: %v", err)), nil
		}
		return jsonResult(rec)
	})
}

func registerRevertTool(s *server.MCPServer, x *merge.Executor) {
	tool := mcp.NewTool("resolution_revert",
		mcp.WithDescription("Undo a merge by exact replay of its recorded metadata. Fails if the record is non-reversible, already reverted, or the target was merged again since."),
		mcp.WithDestructiveHintAnnotation(true),
		mcp.WithString("merge_id", mcp.Required(),
			mcp.Description("Merge record to revert"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		mergeID, err := req.RequireString("merge_id")
		if err != nil {
			return mcp.NewToolResultError("merge_id is required"), nil
		}
		rec, err := x.Revert(ctx, mergeID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("reverting: %v", err)), nil
		}
		return jsonResult(rec)
	})
}

func registerDismissTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("resolution_dismiss",
		mcp.WithDescription("Dismiss an open conflict: the pair is recorded as distinct entities and detection will not re-flag it."),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("conflict_id", mcp.Required(),
			mcp.Description("Conflict to dismiss"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		conflictID, err := req.RequireString("conflict_id")
		if err != nil {
			return mcp.NewToolResultError("conflict_id is required"), nil
		}
		if err := st.DismissConflict(ctx, conflictID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("dismissing conflict: %v", err)), nil
		}
		return jsonResult(map[string]any{"dismissed": conflictID})
	})
}

func registerDetectTool(s *server.MCPServer, engine *detect.Engine) {
	tool := mcp.NewTool("resolution_detect",
		mcp.WithDescription("Run a detection sweep over all live candidates and record open conflicts for likely duplicates. Idempotent."),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		report, err := engine.Sweep(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("detection sweep: %v", err)), nil
		}
		return jsonResult(report)
	})
}

func registerStatsTool(s *server.MCPServer, st *store.Store) {
	tool := mcp.NewTool("resolution_stats",
		mcp.WithDescription("Aggregate resolution statistics: live entities, tombstones, open conflicts, merge history size."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("collecting stats: %v", err)), nil
		}
		return jsonResult(stats)
	})
}

// --- Resources ---

func registerStatsResource(s *server.MCPServer, st *store.Store) {
	resource := mcp.NewResource(
		"resolution://stats",
		"Resolution statistics",
		mcp.WithResourceDescription("Aggregate entity-resolution statistics"),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		stats, err := st.Stats(ctx)
		if err != nil {
			return nil, fmt.Errorf("collecting stats: %w", err)
		}
		data, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "resolution://stats",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

func registerConflictsResource(s *server.MCPServer, st *store.Store) {
	resource := mcp.NewResource(
		"resolution://conflicts",
		"Open conflicts",
		mcp.WithResourceDescription("Open duplicate-entity conflicts awaiting review"),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		dbMu.Lock()
		defer dbMu.Unlock()

		conflicts, err := st.ListOpenConflicts(ctx, 100)
		if err != nil {
			return nil, fmt.Errorf("listing conflicts: %w", err)
		}
		data, err := json.MarshalIndent(conflicts, "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "resolution://conflicts",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
