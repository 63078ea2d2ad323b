package domain

import "strings"

// Event kinds with dedicated fold logic. Kinds outside this list are folded
// with a shallow merge of their data, so new producers stay compatible with
// old readers.
const (
	EntityCreated    = "entity-created"
	EntityUpdated    = "entity-updated"
	FieldChanged     = "field-changed"
	ListAppended     = "list-appended"
	EntityMerged     = "entity-merged"
	OptimisticUpdate = "optimistic-update"
)

// Event is an immutable fact about a single entity. Version is assigned at
// append time and is strictly increasing per (EntityType, EntityID); it is
// the only ordering truth for the entity's log.
type Event struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	Type       string         `json:"type"`
	Data       map[string]any `json:"data,omitempty"`
	UserID     string         `json:"userId"`
	Timestamp  int64          `json:"timestamp"`
	Version    int64          `json:"version"`
}

// EntityRef addresses the unit of collaboration.
type EntityRef struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// Key renders the reference as the "type/id" form used in registry sets.
func (r EntityRef) Key() string {
	return r.EntityType + "/" + r.EntityID
}

// ValidRef reports whether the coordinates can be stored and routed without
// ambiguity. The entity type ends up as a prefix in both storage partition
// keys (joined with "_") and registry keys (joined with "/"), so it may
// contain neither separator; the id only needs to be non-empty because both
// decoders split at the first separator.
func ValidRef(entityType, entityID string) bool {
	if entityType == "" || entityID == "" {
		return false
	}
	return !strings.ContainsAny(entityType, "_/")
}

// CollaborationStatus is the read-only view returned to UI status queries.
type CollaborationStatus struct {
	RecentEvents      []Event  `json:"recentEvents"`
	ActiveSubscribers []string `json:"activeSubscribers"`
	LastActivity      int64    `json:"lastActivity"`
}
