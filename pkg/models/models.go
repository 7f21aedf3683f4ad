package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NodeType identifies the kind of entity stored in the knowledge graph
type NodeType string

const (
	NodeTypeDocument    NodeType = "Document"
	NodeTypeConcept     NodeType = "Concept"
	NodeTypeIssue       NodeType = "Issue"
	NodeTypePullRequest NodeType = "PullRequest"
	NodeTypeSkill       NodeType = "Skill"
)

// NodeTypes lists every supported node type in display order
var NodeTypes = []NodeType{
	NodeTypeDocument,
	NodeTypeConcept,
	NodeTypeIssue,
	NodeTypePullRequest,
	NodeTypeSkill,
}

// Valid reports whether t is a known node type
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeDocument, NodeTypeConcept, NodeTypeIssue, NodeTypePullRequest, NodeTypeSkill:
		return true
	}
	return false
}

// Relationship is the label on a directed edge
type Relationship string

const (
	// RelAbout links an Issue or PullRequest to a Concept or Document it mentions.
	RelAbout Relationship = "ABOUT"
	// RelFixedBy links an Issue to the PullRequest that resolved it.
	RelFixedBy Relationship = "FIXED_BY"
	// RelModifies links a PullRequest to a Document it changes.
	RelModifies Relationship = "MODIFIES"
	// RelGenerates links a source Document to a Skill built from it.
	RelGenerates Relationship = "GENERATES"
	// RelExplains links a Document or Skill to a Concept it explains.
	RelExplains Relationship = "EXPLAINS"
	// RelIncludes links a Skill to a Document it embeds verbatim.
	RelIncludes Relationship = "INCLUDES"
)

// Relationships lists the relationships with fixed semantics
var Relationships = []Relationship{
	RelAbout,
	RelFixedBy,
	RelModifies,
	RelGenerates,
	RelExplains,
	RelIncludes,
}

// Issue and pull request statuses
const (
	StatusOpen    = "open"
	StatusClosed  = "closed"
	StatusMerged  = "merged"
	StatusUnknown = "unknown"
)

// Well-known property keys
const (
	PropPath        = "path"
	PropName        = "name"
	PropNumber      = "number"
	PropStatus      = "status"
	PropPlatform    = "platform"
	PropTitle       = "title"
	PropBody        = "body"
	PropURL         = "url"
	PropLabels      = "labels"
	PropCreatedAt   = "created_at"
	PropPlaceholder = "placeholder"
)

// ErrInvalidType is returned when a node has an unknown type or lacks a
// mandatory property for its type.
var ErrInvalidType = errors.New("invalid node type")

// Node is a typed entity in the knowledge graph
type Node struct {
	ID         string     `json:"id"`
	Type       NodeType   `json:"type"`
	Properties Properties `json:"properties"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Clone returns a deep-enough copy of the node: the property map is copied so
// callers can mutate it without touching the stored value.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Properties = n.Properties.Clone()
	return &c
}

// IsPlaceholder reports whether the node was auto-created by an edge insert
func (n *Node) IsPlaceholder() bool {
	return n.Properties.Bool(PropPlaceholder, false)
}

// Edge is a directed, typed relationship between two nodes. The triple
// (FromID, ToID, Relationship) is unique.
type Edge struct {
	FromID       string       `json:"from_id"`
	ToID         string       `json:"to_id"`
	Relationship Relationship `json:"relationship"`
	Properties   Properties   `json:"properties,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Key returns the uniqueness key of the edge
func (e *Edge) Key() EdgeKey {
	return EdgeKey{FromID: e.FromID, ToID: e.ToID, Relationship: e.Relationship}
}

// Clone returns a copy of the edge with its own property map
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	c := *e
	c.Properties = e.Properties.Clone()
	return &c
}

// EdgeKey identifies an edge by its unique triple
type EdgeKey struct {
	FromID       string
	ToID         string
	Relationship Relationship
}

// GraphStats holds aggregate counts for the graph
type GraphStats struct {
	NodeCountByType         map[NodeType]int     `json:"node_count_by_type"`
	EdgeCountByRelationship map[Relationship]int `json:"edge_count_by_relationship"`
	TotalNodes              int                  `json:"total_nodes"`
	TotalEdges              int                  `json:"total_edges"`
	Generation              uint64               `json:"generation"`
}

// NewGraphStats returns stats with initialised maps
func NewGraphStats() *GraphStats {
	return &GraphStats{
		NodeCountByType:         make(map[NodeType]int),
		EdgeCountByRelationship: make(map[Relationship]int),
	}
}

// NodeID builds the stable id of a node from its type and natural key
func NodeID(t NodeType, naturalKey string) string {
	return string(t) + ":" + naturalKey
}

// IssueID returns the node id of issue number n
func IssueID(n int) string {
	return NodeID(NodeTypeIssue, strconv.Itoa(n))
}

// PullRequestID returns the node id of pull request number n
func PullRequestID(n int) string {
	return NodeID(NodeTypePullRequest, strconv.Itoa(n))
}

// DocumentID returns the node id of the document at path
func DocumentID(path string) string {
	return NodeID(NodeTypeDocument, path)
}

// ConceptID returns the node id of the named concept
func ConceptID(name string) string {
	return NodeID(NodeTypeConcept, name)
}

// SkillID returns the node id of a skill generated for platform at path
func SkillID(platform, path string) string {
	return NodeID(NodeTypeSkill, platform+"/"+path)
}

// ParseNodeID splits an id of the form Type:naturalKey. The natural key may
// itself contain colons.
func ParseNodeID(id string) (NodeType, string, error) {
	typ, key, ok := strings.Cut(id, ":")
	if !ok || key == "" {
		return "", "", fmt.Errorf("%w: malformed node id %q", ErrInvalidType, id)
	}
	t := NodeType(typ)
	if !t.Valid() {
		return "", "", fmt.Errorf("%w: unknown type %q in id %q", ErrInvalidType, typ, id)
	}
	return t, key, nil
}
