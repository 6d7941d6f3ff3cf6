// Package governance implements the maker-checker dual-control
// workflow protecting rule and card mutations.
package governance

import (
	"errors"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrSelfApproval is returned when the checker is the maker.
	ErrSelfApproval = errors.New("self-approval is not allowed")

	// ErrNotPending is returned when a record was already decided.
	ErrNotPending = errors.New("record is not pending check")

	// ErrOutOfRank is returned when the checker's role rank is below
	// the record's required rank.
	ErrOutOfRank = errors.New("checker role rank is below the record's rank")
)

// Transition validates one checker decision against a record. All
// illegal transitions are rejected here, in one place, rather than
// re-validated per call site. The resulting status is Approved or
// Rejected; persistence enforces atomicity separately via an
// optimistic status check.
func Transition(rec *domain.MakerCheckerRecord, approve bool, checkerID string, checkerRank int) (domain.CheckStatus, error) {
	if rec.Status != domain.CheckPending {
		return rec.Status, ErrNotPending
	}
	if checkerID == rec.MakerID {
		return rec.Status, ErrSelfApproval
	}
	if checkerRank < rec.RoleRank {
		return rec.Status, ErrOutOfRank
	}

	if approve {
		return domain.CheckApproved, nil
	}
	return domain.CheckRejected, nil
}

// ReasonFor maps a governance violation to its reason code.
func ReasonFor(err error) domain.ReasonCode {
	switch {
	case errors.Is(err, ErrSelfApproval):
		return domain.ReasonSelfApprovalNotAllowed
	case errors.Is(err, ErrNotPending):
		return domain.ReasonNotPending
	case errors.Is(err, ErrOutOfRank):
		return domain.ReasonOutOfRank
	}
	return ""
}
