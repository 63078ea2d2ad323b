package domain

// Snapshot is the materialized current state of an entity, derived solely by
// folding its event log in version order. It is a cache, not a source of
// truth: replaying the log from version 0 rebuilds it exactly. Version always
// equals the version of the last event folded in.
type Snapshot struct {
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId"`
	State       map[string]any `json:"state"`
	Version     int64          `json:"version"`
	LastUpdated int64          `json:"lastUpdated"`
}

// NewSnapshot returns the empty projection an entity has before any event.
func NewSnapshot(entityType, entityID string) Snapshot {
	return Snapshot{
		EntityType: entityType,
		EntityID:   entityID,
		State:      map[string]any{},
	}
}
