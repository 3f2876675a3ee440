package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/nexus-os/nexus/internal/mailer"
)

// Task type constants
const (
	// ERP sync pipeline
	TypeBlingSync     = "bling:sync"
	TypeAlertsCompute = "alerts:compute"

	// Transactional email delivery
	TypeEmailSend = "email:send"
)

// SyncPayload identifies the user whose ERP data is being processed
type SyncPayload struct {
	UserID string `json:"user_id"`
}

// NewBlingSyncTask creates a task that pulls products and orders from Bling
func NewBlingSyncTask(userID string) (*asynq.Task, error) {
	payload, err := json.Marshal(SyncPayload{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TypeBlingSync, payload), nil
}

// NewAlertsComputeTask creates a task that recomputes inventory alerts
func NewAlertsComputeTask(userID string) (*asynq.Task, error) {
	payload, err := json.Marshal(SyncPayload{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TypeAlertsCompute, payload), nil
}

// ParseSyncPayload parses a sync pipeline payload from an Asynq task
func ParseSyncPayload(task *asynq.Task) (SyncPayload, error) {
	var payload SyncPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return payload, nil
}

// EmailPayload carries one outbound message to the email worker
type EmailPayload struct {
	Message mailer.Message `json:"message"`
}

// NewEmailSendTask creates a task that delivers one email
func NewEmailSendTask(msg mailer.Message) (*asynq.Task, error) {
	payload, err := json.Marshal(EmailPayload{Message: msg})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TypeEmailSend, payload), nil
}

// ParseEmailPayload parses an email payload from an Asynq task
func ParseEmailPayload(task *asynq.Task) (EmailPayload, error) {
	var payload EmailPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return payload, nil
}
