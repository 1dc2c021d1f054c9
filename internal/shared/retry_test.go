package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryOnConflictRetriesBusyErrors(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), "op", 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := RetryOnConflict(context.Background(), "op", 3, time.Millisecond, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestIsSQLiteUniqueError(t *testing.T) {
	if !IsSQLiteUniqueError(errors.New("constraint failed: UNIQUE constraint failed: conversations.wa_message_id (2067)")) {
		t.Error("expected unique error to be detected")
	}
	if IsSQLiteUniqueError(errors.New("SQLITE_BUSY")) {
		t.Error("busy error is not a unique violation")
	}
	if IsSQLiteUniqueError(nil) {
		t.Error("nil is not a unique violation")
	}
}
