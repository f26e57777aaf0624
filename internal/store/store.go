// Package store archives finished call transcripts.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/chadiek/practice-call/internal/conversation"
)

var (
	ErrNotFound  = errors.New("store: record not found")
	ErrInvalidID = errors.New("store: invalid record id")
)

// Record is the persisted summary of one call.
type Record struct {
	ID         string                   `json:"id"`
	ScenarioID string                   `json:"scenarioId"`
	ClientName string                   `json:"clientName,omitempty"`
	Transport  string                   `json:"transport"`
	StartedAt  time.Time                `json:"startedAt"`
	Duration   time.Duration            `json:"duration"`
	Reason     string                   `json:"reason,omitempty"`
	Utterances []conversation.Utterance `json:"utterances"`
}

// Store saves and loads records.
type Store interface {
	Save(ctx context.Context, r Record) error
	Load(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
}

// BlobStore keeps opaque artifacts such as call recordings.
type BlobStore interface {
	Upload(ctx context.Context, key, contentType string, data []byte) error
}

func validID(id string) bool {
	id = strings.TrimSpace(id)
	return id != "" && !strings.ContainsAny(id, "/\\ ") && !strings.Contains(id, "..")
}
