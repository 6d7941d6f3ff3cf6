package governance

import (
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func pendingRecord() *domain.MakerCheckerRecord {
	return &domain.MakerCheckerRecord{
		ID:         "rec-1",
		EntityType: EntityERule,
		EntityID:   "rule-1:1",
		Action:     domain.ActionPublish,
		MakerID:    "maker-1",
		Status:     domain.CheckPending,
		RoleRank:   3,
	}
}

func TestTransition(t *testing.T) {
	t.Run("Approve", func(t *testing.T) {
		next, err := Transition(pendingRecord(), true, "checker-1", 5)
		if err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if next != domain.CheckApproved {
			t.Errorf("expected Approved, got %s", next)
		}
	})

	t.Run("Reject", func(t *testing.T) {
		next, err := Transition(pendingRecord(), false, "checker-1", 5)
		if err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if next != domain.CheckRejected {
			t.Errorf("expected Rejected, got %s", next)
		}
	})

	t.Run("EqualRankSuffices", func(t *testing.T) {
		if _, err := Transition(pendingRecord(), true, "checker-1", 3); err != nil {
			t.Errorf("rank equal to the record's rank must pass, got: %v", err)
		}
	})

	t.Run("SelfApproval", func(t *testing.T) {
		_, err := Transition(pendingRecord(), true, "maker-1", 5)
		if !errors.Is(err, ErrSelfApproval) {
			t.Errorf("expected ErrSelfApproval, got: %v", err)
		}
	})

	t.Run("SelfRejectionAlsoBlocked", func(t *testing.T) {
		_, err := Transition(pendingRecord(), false, "maker-1", 5)
		if !errors.Is(err, ErrSelfApproval) {
			t.Errorf("expected ErrSelfApproval, got: %v", err)
		}
	})

	t.Run("OutOfRank", func(t *testing.T) {
		_, err := Transition(pendingRecord(), true, "checker-1", 2)
		if !errors.Is(err, ErrOutOfRank) {
			t.Errorf("expected ErrOutOfRank, got: %v", err)
		}
	})

	t.Run("AlreadyDecided", func(t *testing.T) {
		rec := pendingRecord()
		rec.Status = domain.CheckApproved
		_, err := Transition(rec, true, "checker-1", 5)
		if !errors.Is(err, ErrNotPending) {
			t.Errorf("expected ErrNotPending, got: %v", err)
		}
	})
}

func TestReasonFor(t *testing.T) {
	tests := []struct {
		err  error
		want domain.ReasonCode
	}{
		{ErrSelfApproval, domain.ReasonSelfApprovalNotAllowed},
		{ErrNotPending, domain.ReasonNotPending},
		{ErrOutOfRank, domain.ReasonOutOfRank},
		{errors.New("other"), ""},
	}
	for _, tt := range tests {
		if got := ReasonFor(tt.err); got != tt.want {
			t.Errorf("ReasonFor(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSplitEntityID(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		id, version, err := splitEntityID("rule-abc:12")
		if err != nil {
			t.Fatalf("splitEntityID failed: %v", err)
		}
		if id != "rule-abc" || version != 12 {
			t.Errorf("expected rule-abc v12, got %s v%d", id, version)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, raw := range []string{"rule-abc", ":3", "rule-abc:x"} {
			if _, _, err := splitEntityID(raw); err == nil {
				t.Errorf("expected error for %q", raw)
			}
		}
	})
}
