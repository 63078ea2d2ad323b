package api

const postEventMaxSize = 64 * 1024 // 64 KiB

// POST /api/events request body
type postEventRequest struct {
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId"`
	EventType      string         `json:"eventType"`
	Data           map[string]any `json:"data"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// POST /api/entities/:entityType/:entityId/optimistic request body
type optimisticRequest struct {
	Changes map[string]any `json:"changes"`
}

// POST /api/entities/:entityType/:entityId/resolve request body
type resolveRequest struct {
	Local  map[string]any `json:"local"`
	Remote map[string]any `json:"remote"`
}

type resolveResponse struct {
	State map[string]any `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}
