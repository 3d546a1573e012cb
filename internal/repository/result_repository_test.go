package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/idverify/internal/logging"
)

type transientTestError struct{}

func (transientTestError) Error() string   { return "transient" }
func (transientTestError) Timeout() bool   { return true }
func (transientTestError) Temporary() bool { return true }

func testRepository(attempts int) *ResultRepository {
	return &ResultRepository{
		logger:         zap.NewNop(),
		retryAttempts:  attempts,
		initialBackoff: time.Millisecond,
		maxBackoff:     2 * time.Millisecond,
	}
}

func TestExecuteWithRetryRetriesTransientErrors(t *testing.T) {
	repo := testRepository(3)

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-1", func() error {
		attempts++
		if attempts < 2 {
			return transientTestError{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetryReturnsOperationError(t *testing.T) {
	repo := testRepository(2)

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}

	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "test.operation" || opErr.RequestID != "req-2" {
		t.Fatalf("unexpected operation error %+v", opErr)
	}
}

func TestExecuteWithRetryGivesUpAfterLastAttempt(t *testing.T) {
	repo := testRepository(3)

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "", func() error {
		attempts++
		return transientTestError{}
	})
	if err == nil || attempts != 3 {
		t.Fatalf("expected 3 attempts and an error, got %d and %v", attempts, err)
	}
}

func TestExecuteWithRetryPassesNotFoundThrough(t *testing.T) {
	repo := testRepository(3)

	attempts := 0
	err := repo.executeWithRetry(context.Background(), "test.operation", "", func() error {
		attempts++
		return gorm.ErrRecordNotFound
	})
	if !errors.Is(err, gorm.ErrRecordNotFound) || attempts != 1 {
		t.Fatalf("expected a single not-found attempt, got %d and %v", attempts, err)
	}
}

func TestExecuteWithRetryStopsOnCancel(t *testing.T) {
	repo := testRepository(5)
	repo.initialBackoff = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := repo.executeWithRetry(ctx, "test.operation", "", func() error {
		return transientTestError{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRecordHashes(t *testing.T) {
	rec := &ResultRecord{ImageHash: "a"}
	if got := rec.Hashes(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("unexpected hashes %v", got)
	}
	rec.SecondImageHash = "b"
	if got := rec.Hashes(); len(got) != 2 {
		t.Fatalf("unexpected hashes %v", got)
	}
}
