package storage

import (
	"context"
	"encoding/json"
)

// TrimJob is a retention request flowing through the trim queue.
type TrimJob struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`

	messageID  string
	popReceipt string
}

// EnqueueTrim schedules a retention pass for the entity's event log.
func (s *Storage) EnqueueTrim(ctx context.Context, entityType, entityID string) error {
	data, err := json.Marshal(TrimJob{EntityType: entityType, EntityID: entityID})
	if err != nil {
		return err
	}
	_, err = s.trimQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// DequeueTrim retrieves a single trim job from the queue, or nil when the
// queue is empty.
func (s *Storage) DequeueTrim(ctx context.Context) (*TrimJob, error) {
	resp, err := s.trimQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	msg := resp.Messages[0]
	var job TrimJob
	if msg.MessageText != nil {
		if err := json.Unmarshal([]byte(*msg.MessageText), &job); err != nil {
			return nil, err
		}
	}
	if msg.MessageID != nil {
		job.messageID = *msg.MessageID
	}
	if msg.PopReceipt != nil {
		job.popReceipt = *msg.PopReceipt
	}
	return &job, nil
}

// CompleteTrim removes a processed job from the queue.
func (s *Storage) CompleteTrim(ctx context.Context, job *TrimJob) error {
	_, err := s.trimQueue.DeleteMessage(ctx, job.messageID, job.popReceipt, nil)
	return err
}
