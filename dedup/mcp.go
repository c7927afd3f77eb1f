// CLAUDE:SUMMARY MCP tool surface: cached-run lookup, scheduling, artifact/mention writes, persist, stats, dead letters, checkpoints.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"rcache/kit"
)

// RegisterMCP registers all dedup tools on an MCP server.
func (svc *Service) RegisterMCP(srv *mcp.Server) {
	svc.registerCachedRun(srv)
	svc.registerScheduleRun(srv)
	svc.registerFinishRun(srv)
	svc.registerRecordArtifact(srv)
	svc.registerRecordMention(srv)
	svc.registerPersistArtifact(srv)
	svc.registerRunStats(srv)
	svc.registerDeadLetters(srv)
	svc.registerCheckpoints(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// --- Cached runs ---

func (svc *Service) registerCachedRun(srv *mcp.Server) {
	type req struct {
		Query       string         `json:"query"`
		ToolName    string         `json:"tool_name"`
		ToolConfig  map[string]any `json:"tool_config"`
		ToolVersion string         `json:"tool_version"`
	}
	type resp struct {
		QueryKey string `json:"query_key"`
		Hit      bool   `json:"hit"`
		Run      *Run   `json:"run,omitempty"`
	}

	tool := &mcp.Tool{
		Name:        "research_cached_run",
		Description: "Fingerprint a research query and return the freshest completed run if one is still within its TTL",
		InputSchema: inputSchema(map[string]any{
			"query":        map[string]any{"type": "string", "description": "Raw research query"},
			"tool_name":    map[string]any{"type": "string", "description": "Research tool identifier"},
			"tool_config":  map[string]any{"type": "object", "description": "Tool configuration affecting results"},
			"tool_version": map[string]any{"type": "string", "description": "Tool version"},
		}, []string{"query", "tool_name"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		qk, err := svc.Fingerprint(p.Query, p.ToolName, p.ToolConfig, p.ToolVersion)
		if err != nil {
			return nil, err
		}
		run, err := svc.GetCachedRun(ctx, qk)
		if err != nil {
			return nil, err
		}
		return &resp{QueryKey: qk, Hit: run != nil, Run: run}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (svc *Service) registerScheduleRun(srv *mcp.Server) {
	type req struct {
		QueryKey  string `json:"query_key"`
		EntityKey string `json:"entity_key"`
		TTLMs     int64  `json:"ttl_ms"`
	}
	type resp struct {
		Run      *Run   `json:"run,omitempty"`
		LockHeld bool   `json:"lock_held"`
		Nonce    string `json:"lock_nonce,omitempty"`
		InFlight string `json:"in_flight_run_id,omitempty"`
	}

	tool := &mcp.Tool{
		Name:        "research_schedule_run",
		Description: "Schedule a new research run for a query key and try to acquire the single-flight lock; on a busy lock returns the in-flight run to piggyback on",
		InputSchema: inputSchema(map[string]any{
			"query_key":  map[string]any{"type": "string", "description": "Query fingerprint"},
			"entity_key": map[string]any{"type": "string", "description": "Optional entity scope"},
			"ttl_ms":     map[string]any{"type": "integer", "description": "Result freshness TTL in ms (0 = default)"},
		}, []string{"query_key"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		run, err := svc.ScheduleRun(ctx, ScheduleRequest{
			QueryKey:  p.QueryKey,
			EntityKey: p.EntityKey,
			TTL:       time.Duration(p.TTLMs) * time.Millisecond,
		})
		if err != nil {
			return nil, err
		}
		nonce, err := svc.TryAcquireLock(ctx, p.QueryKey, run.ID)
		if err != nil {
			var busy *LockBusyError
			if errors.As(err, &busy) {
				return &resp{Run: run, LockHeld: false, InFlight: busy.InFlightRunID}, nil
			}
			return nil, err
		}
		if err := svc.StartRun(ctx, run.ID); err != nil {
			return nil, err
		}
		return &resp{Run: run, LockHeld: true, Nonce: nonce}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (svc *Service) registerFinishRun(srv *mcp.Server) {
	type req struct {
		RunID         string `json:"run_id"`
		QueryKey      string `json:"query_key"`
		Status        string `json:"status"`
		ArtifactCount int64  `json:"artifact_count"`
		Error         string `json:"error"`
		Nonce         string `json:"lock_nonce"`
	}
	type resp struct {
		Released bool `json:"lock_released"`
	}

	tool := &mcp.Tool{
		Name:        "research_finish_run",
		Description: "Close a running research run as completed or failed and release its single-flight lock",
		InputSchema: inputSchema(map[string]any{
			"run_id":         map[string]any{"type": "string", "description": "Run ID"},
			"query_key":      map[string]any{"type": "string", "description": "Query fingerprint"},
			"status":         map[string]any{"type": "string", "description": "completed or failed"},
			"artifact_count": map[string]any{"type": "integer", "description": "Artifacts discovered"},
			"error":          map[string]any{"type": "string", "description": "Failure detail when status=failed"},
			"lock_nonce":     map[string]any{"type": "string", "description": "Nonce returned at acquisition"},
		}, []string{"run_id", "query_key", "status", "lock_nonce"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if err := svc.FinishRun(ctx, p.RunID, p.Status, p.ArtifactCount, p.Error); err != nil {
			return nil, err
		}
		released, err := svc.ReleaseLock(ctx, p.QueryKey, p.Nonce, p.Status)
		if err != nil {
			return nil, err
		}
		return &resp{Released: released}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

// --- Artifacts and mentions ---

func (svc *Service) registerRecordArtifact(srv *mcp.Server) {
	type req struct {
		URL         string `json:"url"`
		Title       string `json:"title"`
		Snippet     string `json:"snippet"`
		Thumbnail   string `json:"thumbnail"`
		ContentHash string `json:"content_hash"`
	}
	type resp struct {
		Artifact *Artifact `json:"artifact"`
		Created  bool      `json:"created"`
	}

	tool := &mcp.Tool{
		Name:        "research_record_artifact",
		Description: "Record a sighting of a discovered URL on its deduplicated global artifact identity",
		InputSchema: inputSchema(map[string]any{
			"url":          map[string]any{"type": "string", "description": "Discovered URL, any variant"},
			"title":        map[string]any{"type": "string", "description": "Page title"},
			"snippet":      map[string]any{"type": "string", "description": "Extracted snippet"},
			"thumbnail":    map[string]any{"type": "string", "description": "Thumbnail URL"},
			"content_hash": map[string]any{"type": "string", "description": "Hash of extracted content"},
		}, []string{"url"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		a, created, err := svc.RecordArtifact(ctx, ArtifactInput{
			URL: p.URL, Title: p.Title, Snippet: p.Snippet,
			Thumbnail: p.Thumbnail, ContentHash: p.ContentHash,
		})
		if err != nil {
			return nil, err
		}
		return &resp{Artifact: a, Created: created}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (svc *Service) registerRecordMention(srv *mcp.Server) {
	type req struct {
		ArtifactKey string  `json:"artifact_key"`
		QueryKey    string  `json:"query_key"`
		EntityKey   string  `json:"entity_key"`
		SectionID   string  `json:"section_id"`
		RunID       string  `json:"run_id"`
		Rank        int64   `json:"rank"`
		Score       float64 `json:"score"`
	}

	tool := &mcp.Tool{
		Name:        "research_record_mention",
		Description: "Append a provenance fact: an artifact surfaced for a query in a given run",
		InputSchema: inputSchema(map[string]any{
			"artifact_key": map[string]any{"type": "string", "description": "Global artifact key"},
			"query_key":    map[string]any{"type": "string", "description": "Query fingerprint"},
			"entity_key":   map[string]any{"type": "string", "description": "Optional entity scope"},
			"section_id":   map[string]any{"type": "string", "description": "Optional report section"},
			"run_id":       map[string]any{"type": "string", "description": "Originating run"},
			"rank":         map[string]any{"type": "integer", "description": "Result rank, 1-based"},
			"score":        map[string]any{"type": "number", "description": "Relevance score"},
		}, []string{"artifact_key", "query_key", "run_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.RecordMention(ctx, MentionInput{
			ArtifactKey: p.ArtifactKey, QueryKey: p.QueryKey, EntityKey: p.EntityKey,
			SectionID: p.SectionID, RunID: p.RunID, Rank: p.Rank, Score: p.Score,
		})
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (svc *Service) registerPersistArtifact(srv *mcp.Server) {
	type req struct {
		RunID          string `json:"run_id"`
		IdempotencyKey string `json:"idempotency_key"`
		URL            string `json:"url"`
		Title          string `json:"title"`
		Snippet        string `json:"snippet"`
		Thumbnail      string `json:"thumbnail"`
		ContentHash    string `json:"content_hash"`
	}

	tool := &mcp.Tool{
		Name:        "research_persist_artifact",
		Description: "Persist an artifact write through the idempotent pipeline; replays under the same idempotency key are no-ops",
		InputSchema: inputSchema(map[string]any{
			"run_id":          map[string]any{"type": "string", "description": "Run ID"},
			"idempotency_key": map[string]any{"type": "string", "description": "Client idempotency key"},
			"url":             map[string]any{"type": "string", "description": "Discovered URL"},
			"title":           map[string]any{"type": "string", "description": "Page title"},
			"snippet":         map[string]any{"type": "string", "description": "Extracted snippet"},
			"thumbnail":       map[string]any{"type": "string", "description": "Thumbnail URL"},
			"content_hash":    map[string]any{"type": "string", "description": "Hash of extracted content"},
		}, []string{"run_id", "idempotency_key", "url"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.PersistArtifact(ctx, PersistRequest{
			RunID:          p.RunID,
			IdempotencyKey: p.IdempotencyKey,
			Artifact: ArtifactInput{
				URL: p.URL, Title: p.Title, Snippet: p.Snippet,
				Thumbnail: p.Thumbnail, ContentHash: p.ContentHash,
			},
		})
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

// --- Ops ---

func (svc *Service) registerRunStats(srv *mcp.Server) {
	type req struct {
		RunID string `json:"run_id"`
	}

	tool := &mcp.Tool{
		Name:        "research_run_stats",
		Description: "Sum a run's sharded write-pipeline counters",
		InputSchema: inputSchema(map[string]any{
			"run_id": map[string]any{"type": "string", "description": "Run ID"},
		}, []string{"run_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.RunStats(ctx, p.RunID)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (svc *Service) registerDeadLetters(srv *mcp.Server) {
	type req struct {
		Category string `json:"category"`
		Limit    int    `json:"limit"`
	}

	tool := &mcp.Tool{
		Name:        "research_dead_letters",
		Description: "List recent dead-lettered writes, optionally filtered by category",
		InputSchema: inputSchema(map[string]any{
			"category": map[string]any{"type": "string", "description": "OCC_CONFLICT, VALIDATION, EXTRACTOR, SCHEDULER or UNKNOWN; empty for all"},
			"limit":    map[string]any{"type": "integer", "description": "Max rows (default 100)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		return svc.ListDeadLetters(ctx, p.Category, p.Limit)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

func (svc *Service) registerCheckpoints(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "research_checkpoints",
		Description: "Report the aggregator and backfill progress cursors",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, _ any) (any, error) {
		return svc.CheckpointStatus(ctx)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decodeJSON[req])
}

// decodeJSON unmarshals MCP arguments into T and tags the request context
// with the calling client's name, so service logs can attribute work to the
// worker or tool that asked for it.
func decodeJSON[T any](r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
	var p T
	if len(r.Params.Arguments) > 0 {
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
	}
	res := &kit.MCPDecodeResult{Request: &p}
	if r.Session != nil {
		if ip := r.Session.InitializeParams(); ip != nil && ip.ClientInfo != nil && ip.ClientInfo.Name != "" {
			caller := ip.ClientInfo.Name
			res.EnrichCtx = func(ctx context.Context) context.Context {
				return kit.WithCaller(ctx, caller)
			}
		}
	}
	return res, nil
}
