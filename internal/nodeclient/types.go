package nodeclient

import "encoding/json"

// Target identifies one peer for a single call.
type Target struct {
	Slug    string
	BaseURL string
	// APIKey signs the bearer for this call.
	APIKey string
}

// ChatOptions narrows a forwarded chat turn.
type ChatOptions struct {
	UserID      string   `json:"user_id,omitempty"`
	Collections []string `json:"collections,omitempty"`
}

// ChatRequest is the inter-node chat body.
type ChatRequest struct {
	Message   string      `json:"message"`
	SessionID string      `json:"session_id"`
	Options   ChatOptions `json:"options"`
}

// ChatResponse is the unary chat reply.
type ChatResponse struct {
	Response string                 `json:"response"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// StreamChunk is one LDJSON line of a streaming chat reply.
type StreamChunk struct {
	Response string `json:"response,omitempty"`
	Done     bool   `json:"done"`
}

// SearchRequest is the inter-node semantic search body.
type SearchRequest struct {
	Query       string                 `json:"query"`
	Collections []string               `json:"collections"`
	Limit       int                    `json:"limit"`
	Filters     map[string]interface{} `json:"filters,omitempty"`
}

// SearchResult is one hit from a peer search.
type SearchResult struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SearchResponse is the peer search reply.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
}

// ActionRequest is the inter-node action invocation body.
type ActionRequest struct {
	ActionID string          `json:"action_id"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// ActionResponse is the action reply. Status is "ok" or "error".
type ActionResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RefreshRequest rotates a node's credentials.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// RefreshResponse carries the freshly rotated credential pair.
type RefreshResponse struct {
	APIKey       string `json:"api_key"`
	RefreshToken string `json:"refresh_token"`
}
