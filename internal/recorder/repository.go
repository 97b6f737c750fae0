package recorder

import (
	"context"
	"errors"
)

var (
	ErrRecorderWriteFailed = errors.New("recorder: write failed")
	ErrRecorderClosed      = errors.New("recorder: closed")
)

// Repository persists call records. Insert must be idempotent on SessionID.
type Repository interface {
	Insert(ctx context.Context, r CallRecord) error
	// ListByUser returns records where the user was caller or callee, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]CallRecord, error)
}
