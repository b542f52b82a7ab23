// Package model defines domain structs shared across the persistence layer.
package model

// NodeType is the role of a node in the federation.
type NodeType string

const (
	NodeTypeMaster NodeType = "master"
	NodeTypeChild  NodeType = "child"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	return t == NodeTypeMaster || t == NodeTypeChild
}

// NodeStatus is the administrative/health status of a node.
type NodeStatus string

const (
	NodeStatusActive      NodeStatus = "active"
	NodeStatusInactive    NodeStatus = "inactive"
	NodeStatusMaintenance NodeStatus = "maintenance"
	NodeStatusError       NodeStatus = "error"
)

// Valid reports whether s is a known node status.
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusActive, NodeStatusInactive, NodeStatusMaintenance, NodeStatusError:
		return true
	}
	return false
}

// RequestType classifies an outbound inter-node request.
type RequestType string

const (
	RequestTypeChat   RequestType = "chat"
	RequestTypeSearch RequestType = "search"
	RequestTypeAction RequestType = "action"
	RequestTypeSync   RequestType = "sync"
	RequestTypePing   RequestType = "ping"
)

// RequestStatus is the lifecycle status of a logged request.
type RequestStatus string

const (
	RequestStatusPending RequestStatus = "pending"
	RequestStatusSuccess RequestStatus = "success"
	RequestStatusFailed  RequestStatus = "failed"
)

// Collection describes one vector collection a node owns.
type Collection struct {
	Name         string   `json:"name" yaml:"name"`
	Class        string   `json:"class" yaml:"class"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
}

// Collector describes an autonomous action a node can run on request.
type Collector struct {
	Name        string `json:"name" yaml:"name"`
	Goal        string `json:"goal" yaml:"goal"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Schedule    string `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Workflow describes a named multi-step capability a node advertises.
type Workflow struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Node is the persisted record of a federation peer. Capability sequences are
// stored as JSON text columns; the registry parses them into typed entries.
type Node struct {
	Slug        string     `json:"slug"`
	Name        string     `json:"name"`
	Type        NodeType   `json:"type"`
	BaseURL     string     `json:"base_url"`
	Description string     `json:"description"`
	Status      NodeStatus `json:"status"`
	Weight      int        `json:"weight"`
	Version     string     `json:"version"`

	// Secrets. APIKey doubles as the HMAC signing secret for bearer tokens;
	// the Prev* pair stays valid for a grace window after rotation.
	APIKey            string `json:"api_key"`
	RefreshToken      string `json:"refresh_token"`
	SecretsExpireAtNs int64  `json:"secrets_expire_at_ns"`
	PrevAPIKey        string `json:"prev_api_key,omitempty"`
	PrevRefreshToken  string `json:"prev_refresh_token,omitempty"`
	RotatedAtNs       int64  `json:"rotated_at_ns"`

	CollectionsJSON string `json:"collections_json"`
	CollectorsJSON  string `json:"collectors_json"`
	WorkflowsJSON   string `json:"workflows_json"`
	DomainsJSON     string `json:"domains_json"`
	DataTypesJSON   string `json:"data_types_json"`
	KeywordsJSON    string `json:"keywords_json"`

	CreatedAtNs int64 `json:"created_at_ns"`
	UpdatedAtNs int64 `json:"updated_at_ns"`
}

// NodeHealth holds the mutable health profile of a node, maintained by the
// prober and the forwarder and flushed on the weak-persistence path.
type NodeHealth struct {
	Slug              string  `json:"slug"`
	LastPingAtNs      int64   `json:"last_ping_at_ns"`
	PingFailures      int     `json:"ping_failures"`
	AvgResponseMs     float64 `json:"avg_response_time_ms"`
	ActiveConnections int     `json:"active_connections"`
	LastSyncAtNs      int64   `json:"last_sync_at_ns"`
}

// Breaker state names. Persisted as text.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half_open"
)

// BreakerState is the persisted circuit-breaker record for one node.
type BreakerState struct {
	Slug            string `json:"slug"`
	State           string `json:"state"`
	FailureCount    int    `json:"failure_count"`
	SuccessCount    int    `json:"success_count"`
	LastFailureAtNs int64  `json:"last_failure_at_ns"`
	LastSuccessAtNs int64  `json:"last_success_at_ns"`
	OpenedAtNs      int64  `json:"opened_at_ns"`
	NextRetryAtNs   int64  `json:"next_retry_at_ns"`
	// ReopenCount counts consecutive open transitions without an intervening
	// close; it drives the exponential cooldown escalation.
	ReopenCount int `json:"reopen_count"`
}

// CapabilitySnapshot is the parsed capability surface of a node, as served by
// the ping endpoint and consumed by capability sync.
type CapabilitySnapshot struct {
	Slug        string       `json:"slug" yaml:"slug"`
	Name        string       `json:"name" yaml:"name"`
	Type        NodeType     `json:"type" yaml:"type"`
	Version     string       `json:"version" yaml:"version"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
	Collections []Collection `json:"collections,omitempty" yaml:"collections,omitempty"`
	Collectors  []Collector  `json:"autonomous_collectors,omitempty" yaml:"autonomous_collectors,omitempty"`
	Workflows   []Workflow   `json:"workflows,omitempty" yaml:"workflows,omitempty"`
	Domains     []string     `json:"domains,omitempty" yaml:"domains,omitempty"`
	DataTypes   []string     `json:"data_types,omitempty" yaml:"data_types,omitempty"`
	Keywords    []string     `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}
