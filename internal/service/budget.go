package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/quorumlabs/councilproxy/internal/domain"
	infraerrors "github.com/quorumlabs/councilproxy/internal/pkg/errors"
	"github.com/quorumlabs/councilproxy/internal/pkg/logger"
)

var ErrBudgetExceeded = infraerrors.Forbidden("BUDGET_EXCEEDED", "budget cap exceeded")

var budgetPeriods = []string{domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly}

// BudgetRepository is the storage surface for caps and spending rows.
// AddSpending must be read-modify-write atomic per row; EnsureActiveSpending
// must be set-if-absent on the full (provider, model, period, start) key.
type BudgetRepository interface {
	// CapsForMember returns both the model-specific row and the provider-wide
	// (model_id NULL) fallback, when present.
	CapsForMember(ctx context.Context, providerID, modelID string) ([]domain.BudgetCap, error)
	ListCaps(ctx context.Context) ([]domain.BudgetCap, error)
	ActiveSpending(ctx context.Context, providerID string, modelID *string, periodType string, now time.Time) (*domain.BudgetSpending, error)
	EnsureActiveSpending(ctx context.Context, providerID string, modelID *string, periodType string, start, end time.Time) (*domain.BudgetSpending, error)
	AddSpending(ctx context.Context, rowID int64, amount float64) error
	SetDisabled(ctx context.Context, providerID string, modelID *string, periodType string, now time.Time, disabled bool) error
	AnyActiveDisabled(ctx context.Context, providerID string, modelID *string, now time.Time) (bool, error)
	UpsertZeroSpending(ctx context.Context, providerID string, modelID *string, periodType string, start, end time.Time) error
}

// BudgetService gates admission against multi-period spend caps and accounts
// actual spend after completion. The pre-check is advisory: two concurrent
// requests may both pass under a cap; the disable-on-overshoot rule backstops
// subsequent requests.
type BudgetService struct {
	repo BudgetRepository
	loc  *time.Location
	now  func() time.Time
}

func NewBudgetService(repo BudgetRepository, loc *time.Location) *BudgetService {
	if loc == nil {
		loc = time.Local
	}
	return &BudgetService{repo: repo, loc: loc, now: time.Now}
}

// CheckBudget denies iff, for some cap row and period with a non-null limit,
// currentSpend + estimatedCost > limit. Denial marks that (provider, model?,
// period) scope disabled. With no cap rows the member is allowed
// unconditionally with an infinite cap.
func (s *BudgetService) CheckBudget(ctx context.Context, member domain.CouncilMember, estimatedCost float64) (*domain.BudgetCheckResult, error) {
	caps, err := s.repo.CapsForMember(ctx, member.Provider, member.Model)
	if err != nil {
		return nil, err
	}
	if len(caps) == 0 {
		return &domain.BudgetCheckResult{
			Allowed:   true,
			BudgetCap: math.Inf(1),
		}, nil
	}

	now := s.now().In(s.loc)
	best := &domain.BudgetCheckResult{Allowed: true, BudgetCap: math.Inf(1)}
	for _, capRow := range caps {
		for _, period := range budgetPeriods {
			limit := capRow.LimitFor(period)
			if limit == nil {
				continue
			}
			spend := 0.0
			row, err := s.repo.ActiveSpending(ctx, capRow.ProviderID, capRow.ModelID, period, now)
			if err != nil {
				return nil, err
			}
			if row != nil {
				spend = row.CurrentSpending
			}
			if spend+estimatedCost > *limit {
				if row == nil {
					// The disable marker lives on the spending row; create the
					// zeroed row so the denial survives into IsDisabled.
					start, end := domain.PeriodBounds(period, now)
					if _, err := s.repo.EnsureActiveSpending(ctx, capRow.ProviderID, capRow.ModelID, period, start, end); err != nil {
						logger.L().Warn("budget: failed to create spending row for disable marker",
							zap.String("provider", capRow.ProviderID),
							zap.String("period", period),
							zap.Error(err))
					}
				}
				if err := s.repo.SetDisabled(ctx, capRow.ProviderID, capRow.ModelID, period, now, true); err != nil {
					logger.L().Warn("budget: failed to disable scope",
						zap.String("provider", capRow.ProviderID),
						zap.String("period", period),
						zap.Error(err))
				}
				return &domain.BudgetCheckResult{
					Allowed:         false,
					Reason:          fmt.Sprintf("Would exceed %s budget cap of %v", period, *limit),
					CurrentSpending: spend,
					BudgetCap:       *limit,
					PercentUsed:     percentUsed(spend, *limit),
				}, nil
			}
			if pct := percentUsed(spend, *limit); pct >= best.PercentUsed {
				best = &domain.BudgetCheckResult{
					Allowed:         true,
					CurrentSpending: spend,
					BudgetCap:       *limit,
					PercentUsed:     pct,
				}
			}
		}
	}
	return best, nil
}

// RecordSpending adds actualCost to the active row for every period, at both
// the model-specific and provider-wide scopes so caps at either granularity
// observe it. Rows are created zeroed on first touch.
func (s *BudgetService) RecordSpending(ctx context.Context, member domain.CouncilMember, actualCost float64) error {
	if actualCost < 0 {
		return infraerrors.BadRequest("BUDGET_NEGATIVE_COST", "actual cost must be >= 0")
	}
	now := s.now().In(s.loc)
	model := member.Model
	scopes := []*string{&model, nil}
	for _, modelID := range scopes {
		for _, period := range budgetPeriods {
			start, end := domain.PeriodBounds(period, now)
			row, err := s.repo.EnsureActiveSpending(ctx, member.Provider, modelID, period, start, end)
			if err != nil {
				return err
			}
			if err := s.repo.AddSpending(ctx, row.ID, actualCost); err != nil {
				return err
			}
		}
	}
	return nil
}

// IsDisabled reports whether any active row for the member's scopes carries
// the disabled marker.
func (s *BudgetService) IsDisabled(ctx context.Context, member domain.CouncilMember) (bool, error) {
	now := s.now().In(s.loc)
	model := member.Model
	for _, modelID := range []*string{&model, nil} {
		disabled, err := s.repo.AnyActiveDisabled(ctx, member.Provider, modelID, now)
		if err != nil {
			return false, err
		}
		if disabled {
			return true, nil
		}
	}
	return false, nil
}

// ResetBudgetPeriod rotates the given period: new bounds, zeroed spend,
// disabled cleared, for every configured cap scope.
func (s *BudgetService) ResetBudgetPeriod(ctx context.Context, period string) error {
	switch period {
	case domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly:
	default:
		return infraerrors.BadRequest("BUDGET_INVALID_PERIOD", "unknown budget period: "+period)
	}
	caps, err := s.repo.ListCaps(ctx)
	if err != nil {
		return err
	}
	now := s.now().In(s.loc)
	start, end := domain.PeriodBounds(period, now)
	for _, capRow := range caps {
		if err := s.repo.UpsertZeroSpending(ctx, capRow.ProviderID, capRow.ModelID, period, start, end); err != nil {
			return err
		}
	}
	logger.L().Info("budget: period rotated",
		zap.String("period", period),
		zap.Time("period_start", start),
		zap.Int("caps", len(caps)))
	return nil
}

func percentUsed(spend, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return spend / limit * 100
}
