package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-history-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func historyRow(targetID string) *domain.EvaluationHistory {
	return &domain.EvaluationHistory{
		TenantID:    "tenant-001",
		TargetKind:  domain.TargetCard,
		TargetID:    targetID,
		RuleID:      "rule-1",
		RuleVersion: 1,
		Timestamp:   time.Now().UTC(),
		Inputs:      map[string]string{"credit_score": "720"},
		Passed:      true,
		Score:       0.8,
	}
}

func TestRecorderWritesRows(t *testing.T) {
	repo := newTestRepo(t)
	rec := NewRecorder(repo, nil, 16)
	rec.Start()

	for i := 0; i < 5; i++ {
		rec.Record(historyRow("card-1"))
	}
	rec.Stop()

	rows, err := repo.ListEvaluationHistory(context.Background(), "tenant-001", "card-1", 10)
	if err != nil {
		t.Fatalf("ListEvaluationHistory failed: %v", err)
	}
	if len(rows) != 5 {
		t.Errorf("expected 5 rows, got %d", len(rows))
	}
	for _, row := range rows {
		if row.ID == "" {
			t.Error("expected a generated history ID")
		}
		if row.Inputs["credit_score"] != "720" {
			t.Errorf("expected recorded inputs, got %+v", row.Inputs)
		}
	}
	if rec.Dropped() != 0 {
		t.Errorf("expected no drops, got %d", rec.Dropped())
	}
}

func TestRecorderKeepsExplicitID(t *testing.T) {
	repo := newTestRepo(t)
	rec := NewRecorder(repo, nil, 16)
	rec.Start()

	row := historyRow("card-1")
	row.ID = "hist-42"
	rec.Record(row)
	rec.Stop()

	got, err := repo.GetEvaluationHistory(context.Background(), "tenant-001", "hist-42")
	if err != nil {
		t.Fatalf("GetEvaluationHistory failed: %v", err)
	}
	if got.TargetID != "card-1" {
		t.Errorf("expected card-1, got %s", got.TargetID)
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	// Worker never started, so the buffer cannot drain.
	rec := NewRecorder(nil, nil, 2)

	for i := 0; i < 5; i++ {
		row := historyRow(fmt.Sprintf("card-%d", i))
		rec.Record(row)
	}

	if rec.Dropped() != 3 {
		t.Errorf("expected 3 dropped rows, got %d", rec.Dropped())
	}
}
