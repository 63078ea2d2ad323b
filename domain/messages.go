package domain

// Outbound message discriminators pushed to subscribed connections.
const (
	MsgUserJoined       = "user_joined"
	MsgUserLeft         = "user_left"
	MsgEntityUpdated    = "entity_updated"
	MsgConflictDetected = "conflict_detected"
	MsgRollback         = "rollback"
)

// Message is the envelope delivered to realtime subscribers. Each message
// carries enough of the originating event for the receiver to update its
// local view without a follow-up fetch.
type Message struct {
	Type       string         `json:"type"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	UserID     string         `json:"userId,omitempty"`
	Event      *Event         `json:"event,omitempty"`
	Changes    map[string]any `json:"changes,omitempty"`
	State      map[string]any `json:"state,omitempty"`
	Version    int64          `json:"version,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}
