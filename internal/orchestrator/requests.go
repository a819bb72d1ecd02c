package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sala "github.com/nitad/sala"
	"github.com/nitad/sala/internal/ipc"
	"github.com/nitad/sala/internal/knowledge"
)

// containerRequest is what an agent inside a container asks the host for.
// consult returns an attributed context block, search raw results, learn
// stores a new document.
type containerRequest struct {
	Op       string            `json:"op"`
	Query    string            `json:"query,omitempty"`
	Limit    int               `json:"limit,omitempty"`
	Title    string            `json:"title,omitempty"`
	Content  string            `json:"content,omitempty"`
	Concepts []string          `json:"concepts,omitempty"`
	Layer    string            `json:"layer,omitempty"`
	Project  string            `json:"project,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ServeRequests answers knowledge requests arriving over a group's IPC
// namespace until ctx is done. One goroutine per group.
func (o *Orchestrator) ServeRequests(ctx context.Context, group string) error {
	reqs, err := o.ipc.WatchRequests(ctx, group)
	if err != nil {
		return fmt.Errorf("watch requests for %s: %w", group, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-reqs:
			if !ok {
				return nil
			}
			o.serveRequest(ctx, req)
		}
	}
}

func (o *Orchestrator) serveRequest(ctx context.Context, req ipc.Request) {
	payload, err := o.answerRequest(ctx, req)
	if err != nil {
		o.logger.Warn("orchestrator: container request failed",
			"group", req.Group, "request", req.ID, "error", err)
		payload = map[string]string{"error": err.Error()}
	}
	if err := o.ipc.WriteResponse(req.Group, req.ID, payload); err != nil {
		o.logger.Error("orchestrator: response write failed",
			"group", req.Group, "request", req.ID, "error", err)
	}
}

func (o *Orchestrator) answerRequest(ctx context.Context, req ipc.Request) (any, error) {
	var cr containerRequest
	if err := json.Unmarshal(req.Payload, &cr); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}

	switch cr.Op {
	case "search":
		results, err := o.engine.Search(ctx, knowledge.SearchRequest{
			Query: cr.Query,
			Limit: cr.Limit,
			Mode:  knowledge.ModeHybrid,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results}, nil

	case "consult":
		results, err := o.engine.Search(ctx, knowledge.SearchRequest{
			Query: cr.Query,
			Limit: cr.Limit,
			Mode:  knowledge.ModeHybrid,
		})
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, r := range results {
			fmt.Fprintf(&b, "%s [source: %s]\n", r.Content, r.Title)
		}
		return map[string]string{"context": b.String()}, nil

	case "learn":
		id, err := o.engine.Learn(ctx, knowledge.LearnRequest{
			Title:    cr.Title,
			Content:  cr.Content,
			Concepts: cr.Concepts,
			Layer:    sala.MemoryLayer(cr.Layer),
			Project:  cr.Project,
			Metadata: cr.Metadata,
		})
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil

	default:
		return nil, fmt.Errorf("unknown op %q", cr.Op)
	}
}
