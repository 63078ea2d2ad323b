package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/google/uuid"

	"collab-service/domain"
)

// ErrVersionConflict is returned when an append loses the race for a version
// slot and retries are exhausted. Callers may retry the whole operation.
var ErrVersionConflict = errors.New("event version conflict")

const maxAppendAttempts = 5

type eventEntity struct {
	aztables.Entity
	EventID       string `json:"EventId"`
	Type          string `json:"Type"`
	Data          string `json:"Data"`
	UserID        string `json:"UserId"`
	Timestamp     int64  `json:"Timestamp,string"`
	TimestampType string `json:"Timestamp@odata.type"`
	Version       int64  `json:"Version,string"`
	VersionType   string `json:"Version@odata.type"`
}

// eventPartitionKey combines the entity coordinates into the log's partition.
func eventPartitionKey(entityType, entityID string) string {
	return entityType + "_" + entityID
}

// eventRowKey inverts the version so ascending row order equals descending
// version order; Azure Tables only lists rows ascending by key.
func eventRowKey(version int64) string {
	return fmt.Sprintf("%019d", math.MaxInt64-version)
}

func versionFromRowKey(rowKey string) (int64, error) {
	n, err := strconv.ParseInt(rowKey, 10, 64)
	if err != nil {
		return 0, err
	}
	return math.MaxInt64 - n, nil
}

// Append stores a new event for the entity, assigning the next version in its
// log. The insert is conditional on the version's row key being free, so two
// racing appends can never share a version: the loser re-reads the head and
// retries with a fresh slot.
func (s *Storage) Append(ctx context.Context, entityType, entityID, eventType string, data map[string]any, userID string) (domain.Event, error) {
	if !domain.ValidRef(entityType, entityID) {
		return domain.Event{}, fmt.Errorf("invalid entity reference %q/%q", entityType, entityID)
	}
	encoded, err := encodeEventData(data)
	if err != nil {
		return domain.Event{}, err
	}

	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		head, err := s.headVersion(ctx, entityType, entityID)
		if err != nil {
			return domain.Event{}, err
		}

		ev := domain.Event{
			ID:         uuid.NewString(),
			EntityType: entityType,
			EntityID:   entityID,
			Type:       eventType,
			Data:       data,
			UserID:     userID,
			Timestamp:  time.Now().UnixMilli(),
			Version:    head + 1,
		}
		ent := eventEntity{
			Entity: aztables.Entity{
				PartitionKey: eventPartitionKey(entityType, entityID),
				RowKey:       eventRowKey(ev.Version),
			},
			EventID:       ev.ID,
			Type:          ev.Type,
			Data:          encoded,
			UserID:        ev.UserID,
			Timestamp:     ev.Timestamp,
			TimestampType: edmInt64,
			Version:       ev.Version,
			VersionType:   edmInt64,
		}
		payload, err := json.Marshal(ent)
		if err != nil {
			return domain.Event{}, err
		}
		if _, err := s.eventTable.AddEntity(ctx, payload, nil); err != nil {
			if isStatusError(err, 409) {
				// Another writer claimed this version; re-read and retry.
				continue
			}
			return domain.Event{}, err
		}
		return ev, nil
	}

	return domain.Event{}, fmt.Errorf("append for %s/%s: %w", entityType, entityID, ErrVersionConflict)
}

// headVersion reads the highest version currently stored for an entity, or 0
// when the log is empty.
func (s *Storage) headVersion(ctx context.Context, entityType, entityID string) (int64, error) {
	filter := partitionFilter(entityType, entityID)
	top := int32(1)
	pager := s.eventTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})
	if !pager.More() {
		return 0, nil
	}
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return 0, err
	}
	if len(resp.Entities) == 0 {
		return 0, nil
	}
	var ent eventEntity
	if err := json.Unmarshal(resp.Entities[0], &ent); err != nil {
		return 0, err
	}
	return ent.Version, nil
}

// Events returns up to limit events for the entity, newest first.
func (s *Storage) Events(ctx context.Context, entityType, entityID string, limit int) ([]domain.Event, error) {
	filter := partitionFilter(entityType, entityID)
	opts := &aztables.ListEntitiesOptions{Filter: &filter}
	if limit > 0 {
		top := int32(limit)
		opts.Top = &top
	}
	pager := s.eventTable.NewListEntitiesPager(opts)

	events := []domain.Event{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			ev, err := decodeEventEntity(raw)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
			if limit > 0 && len(events) >= limit {
				return events, nil
			}
		}
	}
	return events, nil
}

// eventPager abstracts the table listing so the trim walk can be tested
// against a canned page sequence.
type eventPager interface {
	More() bool
	NextPage(ctx context.Context) (aztables.ListEntitiesResponse, error)
}

// Trim deletes all but the keep highest-versioned events for the entity. Kept
// events are untouched, so no renumbering ever happens.
func (s *Storage) Trim(ctx context.Context, entityType, entityID string, keep int) (int, error) {
	filter := partitionFilter(entityType, entityID)
	pager := s.eventTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	return trimPages(ctx, pager, keep, func(ctx context.Context, partitionKey, rowKey string) error {
		_, err := s.eventTable.DeleteEntity(ctx, partitionKey, rowKey, nil)
		return err
	})
}

// trimPages walks the pager in row-key order, which for event rows is
// descending version order, and deletes every row after the first keep.
func trimPages(ctx context.Context, pager eventPager, keep int, del func(ctx context.Context, partitionKey, rowKey string) error) (int, error) {
	if keep < 0 {
		keep = 0
	}
	deleted := 0
	seen := 0
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return deleted, err
		}
		for _, raw := range resp.Entities {
			seen++
			if seen <= keep {
				continue
			}
			var ent eventEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return deleted, err
			}
			if err := del(ctx, ent.PartitionKey, ent.RowKey); err != nil {
				if isStatusError(err, 404) {
					continue
				}
				return deleted, err
			}
			deleted++
		}
	}
	return deleted, nil
}

func partitionFilter(entityType, entityID string) string {
	pk := eventPartitionKey(entityType, entityID)
	return "PartitionKey eq '" + strings.ReplaceAll(pk, "'", "''") + "'"
}

func encodeEventData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func decodeEventEntity(raw []byte) (domain.Event, error) {
	var ent eventEntity
	if err := json.Unmarshal(raw, &ent); err != nil {
		return domain.Event{}, err
	}
	entityType, entityID, ok := strings.Cut(ent.PartitionKey, "_")
	if !ok {
		return domain.Event{}, fmt.Errorf("malformed event partition key %q", ent.PartitionKey)
	}
	var data map[string]any
	if ent.Data != "" {
		if err := json.Unmarshal([]byte(ent.Data), &data); err != nil {
			return domain.Event{}, err
		}
	}
	return domain.Event{
		ID:         ent.EventID,
		EntityType: entityType,
		EntityID:   entityID,
		Type:       ent.Type,
		Data:       data,
		UserID:     ent.UserID,
		Timestamp:  ent.Timestamp,
		Version:    ent.Version,
	}, nil
}
