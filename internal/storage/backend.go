package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/rickgao/updown-recorder/internal/model"
)

var (
	// ErrLateData is returned for events older than any reachable window.
	ErrLateData = errors.New("late data dropped")

	// ErrWindowClosed is returned when writing to a finalized window or a
	// closed Manager.
	ErrWindowClosed = errors.New("storage window closed")
)

// Backend creates storage windows for calendar days.
type Backend interface {
	// Name identifies the backend in logs ("sqlite", "postgres").
	Name() string

	// Open initializes the window for date with the fixed schema. Opening a
	// date that already has data resumes it.
	Open(ctx context.Context, date Date) (Window, error)
}

// Window is one day's storage handle.
type Window interface {
	Date() Date

	// Append writes events in one transaction. Events already stored (same
	// event ID) are skipped, so a retried batch does not duplicate rows.
	Append(ctx context.Context, events []model.Event) error

	// Close flushes and releases the window. Further appends fail.
	Close(ctx context.Context) error
}

// RotationError reports a failure to open the next day's window. It is
// fatal to the writer.
type RotationError struct {
	From Date
	To   Date
	Err  error
}

func (e *RotationError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("open storage window %s: %v", e.To, e.Err)
	}
	return fmt.Sprintf("rotate storage window %s -> %s: %v", e.From, e.To, e.Err)
}

func (e *RotationError) Unwrap() error {
	return e.Err
}
