package domain

// fieldHistoryLimit caps the per-field change history kept on a snapshot.
const fieldHistoryLimit = 20

// historyKey is the snapshot field holding per-field change histories.
const historyKey = "fieldHistory"

// Project folds ev onto prev and returns the next snapshot. The fold is pure:
// prev is not mutated, and replaying a log through Project in version order
// reproduces the stored snapshot exactly.
func Project(prev Snapshot, ev Event) Snapshot {
	next := Snapshot{
		EntityType:  ev.EntityType,
		EntityID:    ev.EntityID,
		State:       cloneState(prev.State),
		Version:     ev.Version,
		LastUpdated: ev.Timestamp,
	}

	switch ev.Type {
	case EntityCreated:
		next.State = cloneState(ev.Data)
		next.State["status"] = "active"
	case EntityUpdated:
		mergeInto(next.State, ev.Data)
	case OptimisticUpdate:
		if changes, ok := ev.Data["changes"].(map[string]any); ok {
			mergeInto(next.State, changes)
		}
	case FieldChanged:
		field, _ := ev.Data["field"].(string)
		if field == "" {
			break
		}
		next.State[field] = ev.Data["value"]
		appendFieldHistory(next.State, field, historyEntry(ev))
	case ListAppended:
		field, _ := ev.Data["field"].(string)
		if field == "" {
			break
		}
		list, _ := next.State[field].([]any)
		next.State[field] = append(append([]any{}, list...), ev.Data["value"])
	case EntityMerged:
		if state, ok := ev.Data["state"].(map[string]any); ok {
			next.State = cloneState(state)
		}
	default:
		// Forward-compatible fallback for unrecognized kinds.
		mergeInto(next.State, ev.Data)
	}

	return next
}

func historyEntry(ev Event) map[string]any {
	return map[string]any{
		"value":     ev.Data["value"],
		"changedBy": ev.UserID,
		"timestamp": ev.Timestamp,
		"version":   ev.Version,
	}
}

func appendFieldHistory(state map[string]any, field string, entry map[string]any) {
	histories, ok := state[historyKey].(map[string]any)
	if !ok {
		histories = map[string]any{}
	} else {
		histories = cloneState(histories)
	}
	list, _ := histories[field].([]any)
	list = append(append([]any{}, list...), entry)
	if len(list) > fieldHistoryLimit {
		list = list[len(list)-fieldHistoryLimit:]
	}
	histories[field] = list
	state[historyKey] = histories
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}

func cloneState(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
