package domain

import "time"

// BudgetCap holds the monetary limits for a (provider, model?) scope.
// ModelID nil means provider-wide; a model-specific row and the provider-wide
// fallback can coexist and are both consulted on every check.
type BudgetCap struct {
	ID           int64    `json:"id"`
	ProviderID   string   `json:"provider_id"`
	ModelID      *string  `json:"model_id,omitempty"`
	DailyLimit   *float64 `json:"daily_limit,omitempty"`
	WeeklyLimit  *float64 `json:"weekly_limit,omitempty"`
	MonthlyLimit *float64 `json:"monthly_limit,omitempty"`
}

// LimitFor returns the cap's limit for a period type, if set.
func (c BudgetCap) LimitFor(period string) *float64 {
	switch period {
	case PeriodDaily:
		return c.DailyLimit
	case PeriodWeekly:
		return c.WeeklyLimit
	case PeriodMonthly:
		return c.MonthlyLimit
	}
	return nil
}

// BudgetSpending is one active accounting row. CurrentSpending is monotonically
// non-decreasing within [PeriodStart, PeriodEnd); it resets only via rotation.
type BudgetSpending struct {
	ID              int64     `json:"id"`
	ProviderID      string    `json:"provider_id"`
	ModelID         *string   `json:"model_id,omitempty"`
	PeriodType      string    `json:"period_type"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	CurrentSpending float64   `json:"current_spending"`
	Disabled        bool      `json:"disabled"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BudgetCheckResult is the outcome of a pre-admission budget check.
type BudgetCheckResult struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason,omitempty"`
	CurrentSpending float64 `json:"current_spending"`
	BudgetCap       float64 `json:"budget_cap"` // +Inf when no cap row exists
	PercentUsed     float64 `json:"percent_used"`
}

// PeriodBounds computes the active [start, end) window containing now for the
// given period type. Daily periods run local-midnight to next midnight; weeks
// start Sunday 00:00; months span the calendar month.
func PeriodBounds(period string, now time.Time) (time.Time, time.Time) {
	loc := now.Location()
	switch period {
	case PeriodWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		start := day.AddDate(0, 0, -int(day.Weekday())) // back to Sunday
		return start, start.AddDate(0, 0, 7)
	case PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0)
	default: // daily
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 0, 1)
	}
}
