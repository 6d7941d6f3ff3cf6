package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Governed entity types.
const (
	EntityERule = "erule"
	EntityCard  = "card"
)

// Service drives the rule lifecycle under maker-checker control:
// Draft -> PendingCheck -> Published -> Inactive. Only Published
// versions are visible to the resolver; approving a publish supersedes
// the prior Published version for the same target.
type Service struct {
	repo   domain.Repository
	engine *rules.Engine
	bus    domain.EventBus

	// allowDirectDeactivate lets a published rule be switched off
	// without a second pair of eyes when configured as low-risk.
	allowDirectDeactivate bool
}

// NewService creates a governance service.
func NewService(repo domain.Repository, engine *rules.Engine, bus domain.EventBus, allowDirectDeactivate bool) *Service {
	return &Service{
		repo:                  repo,
		engine:                engine,
		bus:                   bus,
		allowDirectDeactivate: allowDirectDeactivate,
	}
}

// CreateDraft stores a new rule version in Draft. A rule created fresh
// starts at version 1; editing an existing lineage appends the next
// version, preserving the audit trail.
func (s *Service) CreateDraft(ctx context.Context, tenantID string, rule *domain.ERule) (*domain.ERule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
		rule.Version = 1
	} else {
		latest, err := s.repo.GetLatestRule(ctx, tenantID, rule.ID)
		switch {
		case err == nil:
			rule.Version = latest.Version + 1
		case errors.Is(err, domain.ErrNotFound):
			rule.Version = 1
		default:
			return nil, err
		}
	}

	rule.TenantID = tenantID
	rule.Status = domain.StatusDraft
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := s.repo.SaveRule(ctx, tenantID, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// SubmitForPublish moves a Draft version to PendingCheck and opens a
// maker-checker record for it.
func (s *Service) SubmitForPublish(ctx context.Context, tenantID, ruleID string, version int, makerID string, roleRank int) (*domain.MakerCheckerRecord, error) {
	rule, err := s.repo.GetRule(ctx, tenantID, ruleID, version)
	if err != nil {
		return nil, err
	}
	if rule.Status != domain.StatusDraft {
		return nil, fmt.Errorf("rule %s v%d is %s: %w", ruleID, version, rule.Status, ErrNotPending)
	}

	if err := s.repo.UpdateRuleStatus(ctx, tenantID, ruleID, version, domain.StatusDraft, domain.StatusPendingCheck); err != nil {
		return nil, err
	}

	rec := &domain.MakerCheckerRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		EntityType: EntityERule,
		EntityID:   fmt.Sprintf("%s:%d", ruleID, version),
		Action:     domain.ActionPublish,
		MakerID:    makerID,
		Status:     domain.CheckPending,
		RoleRank:   roleRank,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.SaveMakerCheckerRecord(ctx, tenantID, rec); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, tenantID, "submitted", rec)
	return rec, nil
}

// Decide applies a checker decision to a pending record. The entity
// transition runs before the record is finalized: its optimistic status
// update serializes concurrent checkers, so the record never reads
// Approved while the entity was left untouched. Approval of a publish
// record publishes the rule version and marks the prior Published
// version for the same target Inactive; rejection returns the version
// to Draft.
func (s *Service) Decide(ctx context.Context, tenantID, recordID, checkerID string, checkerRank int, approve bool, comment string) (*domain.MakerCheckerRecord, error) {
	rec, err := s.repo.GetMakerCheckerRecord(ctx, tenantID, recordID)
	if err != nil {
		return nil, err
	}

	next, err := Transition(rec, approve, checkerID, checkerRank)
	if err != nil {
		return nil, err
	}

	rec.CheckerID = checkerID
	if err := s.applyDecision(ctx, tenantID, rec, approve); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, ErrNotPending
		}
		return nil, err
	}

	if err := s.repo.DecideMakerCheckerRecord(ctx, tenantID, recordID, checkerID, next, comment); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, ErrNotPending
		}
		return nil, err
	}
	rec.Status = next
	rec.Comment = comment
	rec.DecidedAt = time.Now().UTC()

	s.publishEvent(ctx, tenantID, "decided", rec)
	return rec, nil
}

// applyDecision routes a checked record to its entity handler.
func (s *Service) applyDecision(ctx context.Context, tenantID string, rec *domain.MakerCheckerRecord, approved bool) error {
	switch {
	case rec.EntityType == EntityERule && rec.Action == domain.ActionPublish:
		return s.applyPublishDecision(ctx, tenantID, rec, approved)
	case rec.EntityType == EntityERule && rec.Action == domain.ActionDeactivate:
		return s.applyDeactivateDecision(ctx, tenantID, rec, approved)
	case rec.EntityType == EntityCard:
		return s.applyCardDecision(ctx, tenantID, rec, approved)
	}
	return fmt.Errorf("no handler for %s %s on record %s", rec.EntityType, rec.Action, rec.ID)
}

// ListPending returns pending records the checker may act on: records
// within the checker's role rank, tenant scoped.
func (s *Service) ListPending(ctx context.Context, tenantID string, checkerRank int) ([]*domain.MakerCheckerRecord, error) {
	return s.repo.ListPendingRecords(ctx, tenantID, checkerRank)
}

// Deactivate switches a Published rule version off. Routed through
// maker-checker unless direct deactivation is configured as low-risk.
func (s *Service) Deactivate(ctx context.Context, tenantID, ruleID string, version int, principalID string, roleRank int) (*domain.MakerCheckerRecord, error) {
	rule, err := s.repo.GetRule(ctx, tenantID, ruleID, version)
	if err != nil {
		return nil, err
	}
	if rule.Status != domain.StatusPublished {
		return nil, fmt.Errorf("rule %s v%d is %s, not Published", ruleID, version, rule.Status)
	}

	if s.allowDirectDeactivate {
		if err := s.repo.UpdateRuleStatus(ctx, tenantID, ruleID, version, domain.StatusPublished, domain.StatusInactive); err != nil {
			return nil, err
		}
		if err := s.engine.Invalidate(ctx, tenantID, rule.TargetKind, rule.TargetID); err != nil {
			slog.Warn("failed to invalidate rule snapshot", "tenant_id", tenantID, "rule_id", ruleID, "error", err)
		}
		return nil, nil
	}

	rec := &domain.MakerCheckerRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		EntityType: EntityERule,
		EntityID:   fmt.Sprintf("%s:%d", ruleID, version),
		Action:     domain.ActionDeactivate,
		MakerID:    principalID,
		Status:     domain.CheckPending,
		RoleRank:   roleRank,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.SaveMakerCheckerRecord(ctx, tenantID, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// SubmitCardChange opens a maker-checker record for a card create or
// update. The proposed definition is carried on the record and only
// written to storage once a checker approves it.
func (s *Service) SubmitCardChange(ctx context.Context, tenantID string, card *domain.Card, makerID string, roleRank int) (*domain.MakerCheckerRecord, error) {
	payload, err := json.Marshal(card)
	if err != nil {
		return nil, fmt.Errorf("marshal card %s: %w", card.ID, err)
	}

	rec := &domain.MakerCheckerRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		EntityType: EntityCard,
		EntityID:   card.ID,
		Action:     domain.ActionUpdate,
		MakerID:    makerID,
		Status:     domain.CheckPending,
		RoleRank:   roleRank,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.SaveMakerCheckerRecord(ctx, tenantID, rec); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, tenantID, "submitted", rec)
	return rec, nil
}

// SubmitCardDelete opens a maker-checker record for removing a card.
func (s *Service) SubmitCardDelete(ctx context.Context, tenantID, cardID, makerID string, roleRank int) (*domain.MakerCheckerRecord, error) {
	if _, err := s.repo.GetCard(ctx, tenantID, cardID); err != nil {
		return nil, err
	}

	rec := &domain.MakerCheckerRecord{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		EntityType: EntityCard,
		EntityID:   cardID,
		Action:     domain.ActionDelete,
		MakerID:    makerID,
		Status:     domain.CheckPending,
		RoleRank:   roleRank,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.SaveMakerCheckerRecord(ctx, tenantID, rec); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, tenantID, "submitted", rec)
	return rec, nil
}

func (s *Service) applyPublishDecision(ctx context.Context, tenantID string, rec *domain.MakerCheckerRecord, approved bool) error {
	ruleID, version, err := splitEntityID(rec.EntityID)
	if err != nil {
		return err
	}

	rule, err := s.repo.GetRule(ctx, tenantID, ruleID, version)
	if err != nil {
		return err
	}

	if !approved {
		return s.repo.UpdateRuleStatus(ctx, tenantID, ruleID, version, domain.StatusPendingCheck, domain.StatusDraft)
	}

	// Supersede the prior published version for the same target before
	// exposing the new one.
	if prior, err := s.repo.GetPublishedRuleForTarget(ctx, tenantID, rule.TargetKind, rule.TargetID); err == nil {
		if err := s.repo.UpdateRuleStatus(ctx, tenantID, prior.ID, prior.Version, domain.StatusPublished, domain.StatusInactive); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if err := s.repo.UpdateRuleStatus(ctx, tenantID, ruleID, version, domain.StatusPendingCheck, domain.StatusPublished); err != nil {
		return err
	}

	if err := s.engine.Invalidate(ctx, tenantID, rule.TargetKind, rule.TargetID); err != nil {
		slog.Warn("failed to invalidate rule snapshot",
			"tenant_id", tenantID,
			"rule_id", ruleID,
			"error", err,
		)
	}

	slog.Info("rule published",
		"tenant_id", tenantID,
		"rule_id", ruleID,
		"version", version,
		"checker_id", rec.CheckerID,
	)
	return nil
}

func (s *Service) applyDeactivateDecision(ctx context.Context, tenantID string, rec *domain.MakerCheckerRecord, approved bool) error {
	if !approved {
		// The rule stays Published.
		return nil
	}

	ruleID, version, err := splitEntityID(rec.EntityID)
	if err != nil {
		return err
	}
	rule, err := s.repo.GetRule(ctx, tenantID, ruleID, version)
	if err != nil {
		return err
	}

	if err := s.repo.UpdateRuleStatus(ctx, tenantID, ruleID, version, domain.StatusPublished, domain.StatusInactive); err != nil {
		return err
	}

	if err := s.engine.Invalidate(ctx, tenantID, rule.TargetKind, rule.TargetID); err != nil {
		slog.Warn("failed to invalidate rule snapshot",
			"tenant_id", tenantID,
			"rule_id", ruleID,
			"error", err,
		)
	}

	slog.Info("rule deactivated",
		"tenant_id", tenantID,
		"rule_id", ruleID,
		"version", version,
		"checker_id", rec.CheckerID,
	)
	return nil
}

func (s *Service) applyCardDecision(ctx context.Context, tenantID string, rec *domain.MakerCheckerRecord, approved bool) error {
	if !approved {
		return nil
	}

	switch rec.Action {
	case domain.ActionUpdate:
		var card domain.Card
		if err := json.Unmarshal(rec.Payload, &card); err != nil {
			return fmt.Errorf("card payload on record %s: %w", rec.ID, err)
		}
		if err := s.repo.SaveCard(ctx, tenantID, &card); err != nil {
			return err
		}
		slog.Info("card change applied",
			"tenant_id", tenantID,
			"card_id", card.ID,
			"checker_id", rec.CheckerID,
		)
		return nil
	case domain.ActionDelete:
		if err := s.repo.DeleteCard(ctx, tenantID, rec.EntityID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		slog.Info("card deleted",
			"tenant_id", tenantID,
			"card_id", rec.EntityID,
			"checker_id", rec.CheckerID,
		)
		return nil
	}
	return fmt.Errorf("no handler for card action %s on record %s", rec.Action, rec.ID)
}

func (s *Service) publishEvent(ctx context.Context, tenantID, event string, rec *domain.MakerCheckerRecord) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"event": event, "record": rec})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, tenantID, domain.TopicGovernance, payload); err != nil {
		slog.Error("failed to publish governance event",
			"tenant_id", tenantID,
			"record_id", rec.ID,
			"error", err,
		)
	}
}

func splitEntityID(entityID string) (string, int, error) {
	i := strings.LastIndex(entityID, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed entity id %q", entityID)
	}
	version, err := strconv.Atoi(entityID[i+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed entity id %q", entityID)
	}
	return entityID[:i], version, nil
}
