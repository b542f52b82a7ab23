// Package vector manages collections, payload indexes and points in a
// Qdrant-compatible vector store over its HTTP API.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultStoreTimeout = 30 * time.Second

// Config controls client construction.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// HTTPClient overrides the default client, used by tests.
	HTTPClient *http.Client
}

// Client is a thin HTTP client for the store.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("vector: empty base URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultStoreTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
	}, nil
}

// CollectionParams configures collection creation.
type CollectionParams struct {
	Dimensions        int
	Distance          string
	SegmentNumber     int
	ReplicationFactor int
}

// Point is one stored vector with its payload.
type Point struct {
	ID      uint64         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// ScoredPoint is one similarity hit.
type ScoredPoint struct {
	ID      uint64         `json:"id"`
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Match is a filter condition value: exact or any-of.
type Match struct {
	Value any   `json:"value,omitempty"`
	Any   []any `json:"any,omitempty"`
}

// Condition matches one payload field.
type Condition struct {
	Key   string `json:"key"`
	Match Match  `json:"match"`
}

// Filter is a conjunction of conditions.
type Filter struct {
	Must []Condition `json:"must,omitempty"`
}

// BuildFilter turns a field→value map into a must-filter. Slice values
// become any-of matches. Returns nil for an empty map.
func BuildFilter(fields map[string]any) *Filter {
	if len(fields) == 0 {
		return nil
	}
	f := &Filter{}
	for key, value := range fields {
		cond := Condition{Key: key}
		if list, ok := value.([]any); ok {
			cond.Match.Any = list
		} else {
			cond.Match.Value = value
		}
		f.Must = append(f.Must, cond)
	}
	return f
}

// Keys lists the fields a filter references.
func (f *Filter) Keys() []string {
	if f == nil {
		return nil
	}
	keys := make([]string, 0, len(f.Must))
	for _, cond := range f.Must {
		keys = append(keys, cond.Key)
	}
	return keys
}

// SearchParams configures one similarity search.
type SearchParams struct {
	Vector         []float32
	Limit          int
	ScoreThreshold float64
	Filter         *Filter
}

// CreateCollection PUTs the collection. A pre-existing collection is
// treated as success.
func (c *Client) CreateCollection(ctx context.Context, name string, params CollectionParams) error {
	if params.Distance == "" {
		params.Distance = "Cosine"
	}
	if params.SegmentNumber <= 0 {
		params.SegmentNumber = 2
	}
	if params.ReplicationFactor <= 0 {
		params.ReplicationFactor = 1
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     params.Dimensions,
			"distance": params.Distance,
		},
		"optimizers_config":  map[string]any{"default_segment_number": params.SegmentNumber},
		"replication_factor": params.ReplicationFactor,
	}
	err := c.call(ctx, http.MethodPut, "/collections/"+name, body, nil)
	if isAlreadyExists(err) {
		return nil
	}
	return err
}

// DeleteCollection removes the collection and all its points.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
}

// CollectionExists probes the collection.
func (c *Client) CollectionExists(ctx context.Context, name string) (bool, error) {
	err := c.call(ctx, http.MethodGet, "/collections/"+name, nil, nil)
	if err == nil {
		return true, nil
	}
	var se *storeError
	if asStoreError(err, &se) && se.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// CreateIndex creates a payload index. Pre-existing indexes are success.
func (c *Client) CreateIndex(ctx context.Context, collection, field string, schema FieldSchema) error {
	body := map[string]any{
		"field_name":   field,
		"field_schema": string(schema),
	}
	err := c.call(ctx, http.MethodPut, "/collections/"+collection+"/index", body, nil)
	if isAlreadyExists(err) {
		return nil
	}
	return err
}

// UpsertPoints writes points into the collection.
func (c *Client) UpsertPoints(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	return c.call(ctx, http.MethodPut, "/collections/"+collection+"/points", map[string]any{"points": points}, nil)
}

// DeletePoints removes every point matching the filter. A missing
// collection is a no-op.
func (c *Client) DeletePoints(ctx context.Context, collection string, filter *Filter) error {
	if filter == nil {
		return nil
	}
	err := c.call(ctx, http.MethodPost, "/collections/"+collection+"/points/delete", map[string]any{"filter": filter}, nil)
	var se *storeError
	if asStoreError(err, &se) && se.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// Search runs a similarity query and returns scored hits with payloads.
func (c *Client) Search(ctx context.Context, collection string, params SearchParams) ([]ScoredPoint, error) {
	body := map[string]any{
		"vector":       params.Vector,
		"limit":        params.Limit,
		"with_payload": true,
	}
	if params.ScoreThreshold > 0 {
		body["score_threshold"] = params.ScoreThreshold
	}
	if params.Filter != nil {
		body["filter"] = params.Filter
	}
	var result []ScoredPoint
	if err := c.call(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Count returns how many points match the filter.
func (c *Client) Count(ctx context.Context, collection string, filter *Filter) (int, error) {
	body := map[string]any{"exact": true}
	if filter != nil {
		body["filter"] = filter
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := c.call(ctx, http.MethodPost, "/collections/"+collection+"/points/count", body, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// ScrollPage is one page of a scroll walk.
type ScrollPage struct {
	Points     []Point `json:"points"`
	NextOffset any     `json:"next_page_offset"`
}

// Scroll pages through points matching the filter. Pass the previous page's
// NextOffset to continue; nil starts from the beginning.
func (c *Client) Scroll(ctx context.Context, collection string, filter *Filter, limit int, offset any) (ScrollPage, error) {
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
	}
	if filter != nil {
		body["filter"] = filter
	}
	if offset != nil {
		body["offset"] = offset
	}
	var page ScrollPage
	if err := c.call(ctx, http.MethodPost, "/collections/"+collection+"/points/scroll", body, &page); err != nil {
		return ScrollPage{}, err
	}
	return page, nil
}

// storeError carries the HTTP status and body of a failed store call.
type storeError struct {
	Status int
	Body   string
}

func (e *storeError) Error() string {
	return fmt.Sprintf("vector store: status %d: %s", e.Status, e.Body)
}

func asStoreError(err error, target **storeError) bool {
	se, ok := err.(*storeError)
	if ok {
		*target = se
	}
	return ok
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	var se *storeError
	if !asStoreError(err, &se) {
		return false
	}
	if se.Status == http.StatusConflict {
		return true
	}
	lower := strings.ToLower(se.Body)
	return strings.Contains(lower, "already exists") || strings.Contains(lower, "already indexed")
}

// call executes one store request. Successful responses unwrap the store's
// {result, status} envelope into out.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("vector store: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("vector store: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &storeError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("vector store: decode response: %w", err)
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("vector store: decode result: %w", err)
	}
	return nil
}
