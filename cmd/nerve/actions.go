package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/nervemesh/nerve/internal/rag"
	"github.com/nervemesh/nerve/internal/service"
)

const collectorSystem = "You are an autonomous data collector on a federated AI node. " +
	"Carry out the collection goal using the provided context information and " +
	"report your findings as a concise summary."

// buildActionRegistry registers the served action handlers: manifest-declared
// collectors and the daemon's own vectorize action.
func (a *nerveApp) buildActionRegistry() *service.ActionRegistry {
	actions := service.NewActionRegistry()

	if len(a.localNode.Collectors) > 0 {
		names := make(map[string]bool, len(a.localNode.Collectors))
		for _, c := range a.localNode.Collectors {
			names[c.Name] = true
		}
		actions.Register(10, &service.CollectorActionHandler{
			Names: names,
			Run:   a.runCollector,
		})
	}

	actions.Register(50, &service.APIActionHandler{
		Names: map[string]bool{"vectorize": true},
		Run:   a.runVectorize,
	})
	return actions
}

// runCollector executes one manifest collector: its goal runs through the
// local RAG chat and the grounded report is returned to the caller.
func (a *nerveApp) runCollector(ctx context.Context, name string, _ json.RawMessage) (json.RawMessage, error) {
	var goal string
	for _, c := range a.localNode.Collectors {
		if c.Name == name {
			goal = c.Goal
			break
		}
	}
	if goal == "" {
		return nil, fmt.Errorf("collector %s has no goal", name)
	}

	collection, class := "", ""
	if len(a.localNode.Collections) > 0 {
		collection = a.localNode.Collections[0].Name
		class = a.localNode.Collections[0].Class
	}
	res, err := a.retriever.Chat(ctx, collectorSystem, goal, collection, class, "", rag.Options{})
	if err != nil {
		return nil, fmt.Errorf("collector %s: %w", name, err)
	}
	log.Printf("[main] collector %s ran (%d sources)", name, len(res.Sources))
	return json.Marshal(map[string]any{
		"collector": name,
		"report":    res.Response,
		"sources":   len(res.Sources),
	})
}

// runVectorize indexes one document pushed by a peer or an operator.
func (a *nerveApp) runVectorize(ctx context.Context, _ string, params json.RawMessage) (json.RawMessage, error) {
	var doc rag.Document
	if err := json.Unmarshal(params, &doc); err != nil {
		return nil, fmt.Errorf("vectorize: decode document: %w", err)
	}
	n, err := a.indexer.Index(ctx, doc)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"collection": doc.Collection,
		"model_id":   doc.ModelID,
		"points":     n,
	})
}
