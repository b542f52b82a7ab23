package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nervemesh/nerve/internal/config"
	"github.com/nervemesh/nerve/internal/metrics"
	"github.com/nervemesh/nerve/internal/model"
	"github.com/nervemesh/nerve/internal/nodeauth"
	"github.com/nervemesh/nerve/internal/registry"
	"github.com/nervemesh/nerve/internal/routing"
	"github.com/nervemesh/nerve/internal/state"
)

// ------------------------------------------------------------------
// Nodes
// ------------------------------------------------------------------

// NodeHealthSummary is the mutable health profile exposed over the admin API.
type NodeHealthSummary struct {
	LastPingAt        string  `json:"last_ping_at,omitempty"`
	PingFailures      int     `json:"ping_failures"`
	AvgResponseMs     float64 `json:"avg_response_time_ms"`
	ActiveConnections int     `json:"active_connections"`
	LastSyncAt        string  `json:"last_sync_at,omitempty"`
}

// NodeSummary is a node record plus live health and breaker state. Secrets
// are never included; they only appear in create/rotate responses.
type NodeSummary struct {
	Slug        string           `json:"slug"`
	Name        string           `json:"name"`
	Type        model.NodeType   `json:"type"`
	BaseURL     string           `json:"base_url"`
	Description string           `json:"description,omitempty"`
	Status      model.NodeStatus `json:"status"`
	Weight      int              `json:"weight"`
	Version     string           `json:"version,omitempty"`

	Collections []model.Collection `json:"collections,omitempty"`
	Collectors  []model.Collector  `json:"autonomous_collectors,omitempty"`
	Workflows   []model.Workflow   `json:"workflows,omitempty"`
	Domains     []string           `json:"domains,omitempty"`
	DataTypes   []string           `json:"data_types,omitempty"`
	Keywords    []string           `json:"keywords,omitempty"`

	Health  NodeHealthSummary   `json:"health"`
	Breaker *model.BreakerState `json:"breaker,omitempty"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func formatNs(ns int64) string {
	if ns == 0 {
		return ""
	}
	return time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
}

func (s *ControlPlaneService) entryToSummary(e *registry.Entry) NodeSummary {
	rec := e.Record()
	snap := e.Snapshot()
	health := e.HealthRecord()

	out := NodeSummary{
		Slug:        rec.Slug,
		Name:        rec.Name,
		Type:        rec.Type,
		BaseURL:     rec.BaseURL,
		Description: rec.Description,
		Status:      rec.Status,
		Weight:      rec.Weight,
		Version:     rec.Version,
		Collections: snap.Collections,
		Collectors:  snap.Collectors,
		Workflows:   snap.Workflows,
		Domains:     snap.Domains,
		DataTypes:   snap.DataTypes,
		Keywords:    snap.Keywords,
		Health: NodeHealthSummary{
			LastPingAt:        formatNs(health.LastPingAtNs),
			PingFailures:      health.PingFailures,
			AvgResponseMs:     health.AvgResponseMs,
			ActiveConnections: health.ActiveConnections,
			LastSyncAt:        formatNs(health.LastSyncAtNs),
		},
		CreatedAt: formatNs(rec.CreatedAtNs),
		UpdatedAt: formatNs(rec.UpdatedAtNs),
	}
	if s.Breaker != nil {
		if st, ok := s.Breaker.Snapshot(rec.Slug); ok {
			out.Breaker = &st
		}
	}
	return out
}

// NodeFilters holds query filters for listing nodes.
type NodeFilters struct {
	Status     string
	Type       string
	Collection string
	Keyword    string
}

func entryMatchesFilters(e *registry.Entry, filters NodeFilters) bool {
	rec := e.Record()
	if filters.Status != "" && string(rec.Status) != filters.Status {
		return false
	}
	if filters.Type != "" && string(rec.Type) != filters.Type {
		return false
	}
	if filters.Collection != "" {
		owned := false
		for _, c := range e.Collections() {
			if c.Name == filters.Collection || c.Class == filters.Collection {
				owned = true
				break
			}
		}
		if !owned {
			return false
		}
	}
	if filters.Keyword != "" {
		keyword := strings.ToLower(strings.TrimSpace(filters.Keyword))
		if keyword != "" && !entryMatchesKeyword(e, keyword) {
			return false
		}
	}
	return true
}

func entryMatchesKeyword(e *registry.Entry, keyword string) bool {
	rec := e.Record()
	if strings.Contains(strings.ToLower(rec.Slug), keyword) ||
		strings.Contains(strings.ToLower(rec.Name), keyword) ||
		strings.Contains(strings.ToLower(rec.Description), keyword) {
		return true
	}
	snap := e.Snapshot()
	for _, k := range snap.Keywords {
		if strings.Contains(strings.ToLower(k), keyword) {
			return true
		}
	}
	for _, d := range snap.Domains {
		if strings.Contains(strings.ToLower(d), keyword) {
			return true
		}
	}
	return false
}

// ListNodes returns node summaries with optional filters, ordered by slug.
func (s *ControlPlaneService) ListNodes(filters NodeFilters) ([]NodeSummary, error) {
	if filters.Status != "" && !model.NodeStatus(filters.Status).Valid() {
		return nil, invalidArg("status: unknown value " + filters.Status)
	}
	if filters.Type != "" && !model.NodeType(filters.Type).Valid() {
		return nil, invalidArg("type: unknown value " + filters.Type)
	}

	result := []NodeSummary{}
	for _, e := range s.Registry.All() {
		if !entryMatchesFilters(e, filters) {
			continue
		}
		result = append(result, s.entryToSummary(e))
	}
	return result, nil
}

// GetNode returns a single node by slug.
func (s *ControlPlaneService) GetNode(slug string) (*NodeSummary, error) {
	e, ok := s.Registry.Get(slug)
	if !ok {
		return nil, notFound("node not found")
	}
	summary := s.entryToSummary(e)
	return &summary, nil
}

// CreateNodeParams is the admin create-node request.
type CreateNodeParams struct {
	Slug        string             `json:"slug"`
	Name        string             `json:"name"`
	Type        string             `json:"type"`
	BaseURL     string             `json:"base_url"`
	Description string             `json:"description"`
	Weight      int                `json:"weight"`
	Collections []model.Collection `json:"collections"`
	Domains     []string           `json:"domains"`
	Keywords    []string           `json:"keywords"`
}

// CreatedNode carries the one-time secret pair alongside the summary.
type CreatedNode struct {
	NodeSummary
	APIKey       string `json:"api_key"`
	RefreshToken string `json:"refresh_token"`
}

// CreateNode registers a new federation peer. The generated api_key and
// refresh_token are returned exactly once.
func (s *ControlPlaneService) CreateNode(params CreateNodeParams) (*CreatedNode, error) {
	if !config.ValidSlug(params.Slug) {
		return nil, invalidArg("slug: must be lowercase alphanumeric with hyphens")
	}
	if _, verr := parseHTTPAbsoluteURL("base_url", params.BaseURL); verr != nil {
		return nil, verr
	}
	nodeType := model.NodeType(params.Type)
	if params.Type == "" {
		nodeType = model.NodeTypeChild
	}
	if !nodeType.Valid() {
		return nil, invalidArg("type: must be master or child")
	}
	if params.Weight < 0 {
		return nil, invalidArg("weight: must be non-negative")
	}
	weight := params.Weight
	if weight == 0 {
		weight = 1
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = params.Slug
	}
	for i, c := range params.Collections {
		if c.Name == "" || c.Class == "" {
			return nil, invalidArg(fmt.Sprintf("collections[%d]: name and class are required", i))
		}
	}

	apiKey, err := nodeauth.NewSecret()
	if err != nil {
		return nil, internal("generate api key", err)
	}
	refreshToken, err := nodeauth.NewSecret()
	if err != nil {
		return nil, internal("generate refresh token", err)
	}

	collectionsJSON, err := marshalColumn(params.Collections)
	if err != nil {
		return nil, internal("encode collections", err)
	}
	domainsJSON, err := marshalColumn(params.Domains)
	if err != nil {
		return nil, internal("encode domains", err)
	}
	keywordsJSON, err := marshalColumn(params.Keywords)
	if err != nil {
		return nil, internal("encode keywords", err)
	}

	now := time.Now().UnixNano()
	rec := model.Node{
		Slug:            params.Slug,
		Name:            name,
		Type:            nodeType,
		BaseURL:         strings.TrimRight(params.BaseURL, "/"),
		Description:     params.Description,
		Status:          model.NodeStatusActive,
		Weight:          weight,
		APIKey:          apiKey,
		RefreshToken:    refreshToken,
		CollectionsJSON: collectionsJSON,
		DomainsJSON:     domainsJSON,
		KeywordsJSON:    keywordsJSON,
		CreatedAtNs:     now,
		UpdatedAtNs:     now,
	}

	if err := s.Engine.InsertNode(rec); err != nil {
		if errors.Is(err, state.ErrConflict) {
			return nil, conflict("node slug already in use")
		}
		return nil, internal("insert node", err)
	}
	if err := s.Registry.Upsert(rec); err != nil {
		return nil, internal("register node", err)
	}

	e, _ := s.Registry.Get(rec.Slug)
	return &CreatedNode{
		NodeSummary:  s.entryToSummary(e),
		APIKey:       apiKey,
		RefreshToken: refreshToken,
	}, nil
}

// UpdateNode applies a constrained partial patch to a node record.
func (s *ControlPlaneService) UpdateNode(slug string, patchJSON json.RawMessage) (*NodeSummary, error) {
	patch, verr := parseMergePatch(patchJSON)
	if verr != nil {
		return nil, verr
	}
	if verr := patch.validateFields(nodePatchAllowedFields, func(field string) string {
		return fmt.Sprintf("unknown or read-only field: %q", field)
	}); verr != nil {
		return nil, verr
	}

	rec, err := s.Engine.GetNode(slug)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, notFound("node not found")
		}
		return nil, internal("load node", err)
	}

	if name, ok, verr := patch.optionalNonEmptyString("name"); verr != nil {
		return nil, verr
	} else if ok {
		rec.Name = name
	}
	if baseURL, ok, verr := patch.optionalNonEmptyString("base_url"); verr != nil {
		return nil, verr
	} else if ok {
		if _, verr := parseHTTPAbsoluteURL("base_url", baseURL); verr != nil {
			return nil, verr
		}
		rec.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if desc, ok, verr := patch.optionalString("description"); verr != nil {
		return nil, verr
	} else if ok {
		rec.Description = desc
	}
	if status, ok, verr := patch.optionalNonEmptyString("status"); verr != nil {
		return nil, verr
	} else if ok {
		if !model.NodeStatus(status).Valid() {
			return nil, invalidArg("status: unknown value " + status)
		}
		rec.Status = model.NodeStatus(status)
	}
	if weight, ok, verr := patch.optionalInt("weight"); verr != nil {
		return nil, verr
	} else if ok {
		if weight < 1 {
			return nil, invalidArg("weight: must be >= 1")
		}
		rec.Weight = weight
	}
	if domains, ok, verr := patch.optionalStringSlice("domains"); verr != nil {
		return nil, verr
	} else if ok {
		encoded, err := marshalColumn(domains)
		if err != nil {
			return nil, internal("encode domains", err)
		}
		rec.DomainsJSON = encoded
	}
	if keywords, ok, verr := patch.optionalStringSlice("keywords"); verr != nil {
		return nil, verr
	} else if ok {
		encoded, err := marshalColumn(keywords)
		if err != nil {
			return nil, internal("encode keywords", err)
		}
		rec.KeywordsJSON = encoded
	}

	rec.UpdatedAtNs = time.Now().UnixNano()
	if err := s.Engine.UpdateNode(rec); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, notFound("node not found")
		}
		return nil, internal("update node", err)
	}
	if err := s.Registry.Upsert(rec); err != nil {
		return nil, internal("refresh registry", err)
	}

	e, _ := s.Registry.Get(slug)
	summary := s.entryToSummary(e)
	return &summary, nil
}

// DeleteNode removes a node and all its derived runtime state.
func (s *ControlPlaneService) DeleteNode(slug string) error {
	if _, ok := s.Registry.Get(slug); !ok {
		return notFound("node not found")
	}
	if err := s.Engine.DeleteNode(slug); err != nil {
		return internal("delete node", err)
	}
	s.Registry.Remove(slug)
	s.Breaker.Remove(slug)
	if s.Collector != nil {
		s.Collector.Forget(slug)
	}
	return nil
}

// RotatedSecrets is the response of a manual or refresh-driven rotation.
type RotatedSecrets struct {
	Slug         string `json:"slug"`
	APIKey       string `json:"api_key"`
	RefreshToken string `json:"refresh_token"`
	RotatedAt    string `json:"rotated_at"`
	// PrevValidUntil is the end of the grace window during which the previous
	// secret pair still verifies.
	PrevValidUntil string `json:"prev_valid_until"`
}

// RotateNodeSecrets swaps in a fresh secret pair for a node. The previous
// pair keeps verifying until the rotation grace window ends.
func (s *ControlPlaneService) RotateNodeSecrets(slug string) (*RotatedSecrets, error) {
	if _, ok := s.Registry.Get(slug); !ok {
		return nil, notFound("node not found")
	}
	return s.rotateSecrets(slug)
}

func (s *ControlPlaneService) rotateSecrets(slug string) (*RotatedSecrets, error) {
	apiKey, err := nodeauth.NewSecret()
	if err != nil {
		return nil, internal("generate api key", err)
	}
	refreshToken, err := nodeauth.NewSecret()
	if err != nil {
		return nil, internal("generate refresh token", err)
	}

	now := time.Now()
	graceEnd := now.Add(s.EnvCfg.RotationGrace)
	if err := s.Engine.RotateNodeSecrets(slug, apiKey, refreshToken, graceEnd.UnixNano(), now.UnixNano()); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, notFound("node not found")
		}
		return nil, internal("rotate secrets", err)
	}

	rec, err := s.Engine.GetNode(slug)
	if err != nil {
		return nil, internal("reload node", err)
	}
	if err := s.Registry.Upsert(rec); err != nil {
		return nil, internal("refresh registry", err)
	}

	return &RotatedSecrets{
		Slug:           slug,
		APIKey:         apiKey,
		RefreshToken:   refreshToken,
		RotatedAt:      now.UTC().Format(time.RFC3339Nano),
		PrevValidUntil: graceEnd.UTC().Format(time.RFC3339Nano),
	}, nil
}

// RefreshNodeSecrets rotates a peer's secrets in exchange for a valid refresh
// token. The previous refresh token is accepted inside the grace window only.
func (s *ControlPlaneService) RefreshNodeSecrets(refreshToken string) (*RotatedSecrets, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, unauthenticated("refresh token is required")
	}
	rec, err := s.Engine.GetNodeByRefreshToken(refreshToken)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, unauthenticated("invalid refresh token")
		}
		return nil, internal("resolve refresh token", err)
	}
	if refreshToken == rec.PrevRefreshToken && refreshToken != rec.RefreshToken {
		if time.Since(time.Unix(0, rec.RotatedAtNs)) > s.EnvCfg.RotationGrace {
			return nil, unauthenticated("refresh token expired")
		}
	}
	return s.rotateSecrets(rec.Slug)
}

// PingResult is the outcome of an on-demand ping.
type PingResult struct {
	Slug       string `json:"slug"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"duration_ms"`
	Synced     bool   `json:"synced"`
	Error      string `json:"error,omitempty"`
}

// PingNode probes a node immediately, outside the sweep schedule.
func (s *ControlPlaneService) PingNode(slug string) (*PingResult, error) {
	e, ok := s.Registry.Get(slug)
	if !ok {
		return nil, notFound("node not found")
	}
	outcome := s.Prober.PingNode(e)
	result := &PingResult{
		Slug:       outcome.Slug,
		OK:         outcome.Err == nil,
		DurationMs: outcome.DurationMs,
		Synced:     outcome.Synced,
	}
	if outcome.Err != nil {
		result.Error = outcome.Err.Error()
	}
	return result, nil
}

// ------------------------------------------------------------------
// Breakers
// ------------------------------------------------------------------

// ListBreakers returns every tracked breaker state.
func (s *ControlPlaneService) ListBreakers() []model.BreakerState {
	return s.Breaker.All()
}

// GetBreaker returns the breaker state for one node.
func (s *ControlPlaneService) GetBreaker(slug string) (*model.BreakerState, error) {
	if _, ok := s.Registry.Get(slug); !ok {
		return nil, notFound("node not found")
	}
	st, ok := s.Breaker.Snapshot(slug)
	if !ok {
		st = model.BreakerState{Slug: slug, State: model.BreakerClosed}
	}
	return &st, nil
}

// ResetBreaker manually closes a node's breaker and clears its counters.
func (s *ControlPlaneService) ResetBreaker(slug string) (*model.BreakerState, error) {
	if _, ok := s.Registry.Get(slug); !ok {
		return nil, notFound("node not found")
	}
	s.Breaker.Reset(slug)
	st, _ := s.Breaker.Snapshot(slug)
	return &st, nil
}

// ------------------------------------------------------------------
// Digests
// ------------------------------------------------------------------

// DigestResult carries one rendered digest.
type DigestResult struct {
	Slug   string `json:"slug,omitempty"`
	Digest string `json:"digest"`
}

// GetNodeDigest returns the cached (or freshly rendered) digest of one node.
func (s *ControlPlaneService) GetNodeDigest(slug string) (*DigestResult, error) {
	e, ok := s.Registry.Get(slug)
	if !ok {
		return nil, notFound("node not found")
	}
	return &DigestResult{Slug: slug, Digest: s.Digests.NodeDigest(e)}, nil
}

// RefreshNodeDigest drops the node's cached digest and re-renders it.
func (s *ControlPlaneService) RefreshNodeDigest(slug string) (*DigestResult, error) {
	e, ok := s.Registry.Get(slug)
	if !ok {
		return nil, notFound("node not found")
	}
	return &DigestResult{Slug: slug, Digest: s.Digests.Refresh(e)}, nil
}

// GetFullDigest returns the concatenated federation digest the routing
// policy sees, including the local node block.
func (s *ControlPlaneService) GetFullDigest() *DigestResult {
	return &DigestResult{Digest: s.Digests.FullDigest(s.localMeta())}
}

func (s *ControlPlaneService) localMeta() map[string]string {
	if s.LocalNode == nil {
		return nil
	}
	meta := map[string]string{
		"slug": s.LocalNode.Slug,
		"name": s.LocalNode.Name,
	}
	if s.LocalNode.Description != "" {
		meta["description"] = s.LocalNode.Description
	}
	return meta
}

// ------------------------------------------------------------------
// Metrics
// ------------------------------------------------------------------

// GetNodeMetrics returns rolling stats for one node. Nodes with no recorded
// traffic return zeroed stats.
func (s *ControlPlaneService) GetNodeMetrics(slug string) (*metrics.NodeStats, error) {
	if _, ok := s.Registry.Get(slug); !ok {
		return nil, notFound("node not found")
	}
	stats, ok := s.Collector.Stats(slug)
	if !ok {
		stats = metrics.NodeStats{NodeSlug: slug, LastBreakerState: model.BreakerClosed}
	}
	return &stats, nil
}

// ListNodeMetrics returns rolling stats for every node with recorded traffic.
func (s *ControlPlaneService) ListNodeMetrics() []metrics.NodeStats {
	return s.Collector.AllStats()
}

// ------------------------------------------------------------------
// Sessions
// ------------------------------------------------------------------

// SessionView is the admin-facing projection of a session's routing state.
type SessionView struct {
	SessionID          string         `json:"session_id"`
	UserID             string         `json:"user_id,omitempty"`
	LastRoutedNodeSlug string         `json:"last_routed_node_slug,omitempty"`
	Turns              int            `json:"turns"`
	History            []routing.Turn `json:"history,omitempty"`
	UpdatedAt          string         `json:"updated_at,omitempty"`
}

func sessionToView(st routing.SessionState) SessionView {
	return SessionView{
		SessionID:          st.SessionID,
		UserID:             st.UserID,
		LastRoutedNodeSlug: st.LastRoutedNodeSlug,
		Turns:              len(st.History),
		History:            st.History,
		UpdatedAt:          formatNs(st.UpdatedAtNs),
	}
}

// GetSession returns the routing state of one session.
func (s *ControlPlaneService) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	st, ok, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, internal("load session", err)
	}
	if !ok {
		return nil, notFound("session not found")
	}
	view := sessionToView(st)
	return &view, nil
}

// DeleteSession drops a session's routing state and its turn lock.
func (s *ControlPlaneService) DeleteSession(ctx context.Context, sessionID string) error {
	_, ok, err := s.Sessions.Get(ctx, sessionID)
	if err != nil {
		return internal("load session", err)
	}
	if !ok {
		return notFound("session not found")
	}
	if err := s.Sessions.Delete(ctx, sessionID); err != nil {
		return internal("delete session", err)
	}
	s.Locker.Forget(sessionID)
	return nil
}

func marshalColumn(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
