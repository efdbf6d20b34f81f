package impl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type budgetService struct {
	db *gorm.DB
}

// NewBudgetService creates the Postgres-backed budget controller. Usage
// counters are incremented inside single UPDATE statements so concurrent
// recorders never lose increments.
func NewBudgetService(db *gorm.DB) services.BudgetService {
	return &budgetService{db: db}
}

// jsonField maps a dimension to its usage_json / limits_json key.
func jsonField(dim models.BudgetDimension) string {
	if dim == models.BudgetStorage {
		return "storage_bytes"
	}
	return string(dim)
}

func validDimension(dim models.BudgetDimension) bool {
	for _, d := range models.AllBudgetDimensions {
		if d == dim {
			return true
		}
	}
	return false
}

// ensure loads the budget for a pair, creating the default tier record on
// first contact.
func (s *budgetService) ensure(ctx context.Context, tenantID string, siteID uuid.UUID) (*models.ResourceBudget, error) {
	if tenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	var budget models.ResourceBudget
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND site_id = ?", tenantID, siteID).
		First(&budget).Error
	if err == nil {
		return &budget, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: load budget: %v", models.ErrBackend, err)
	}

	fresh := models.DefaultTierBudget(tenantID, siteID, time.Now())
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "site_id"}},
		DoNothing: true,
	}).Create(fresh).Error
	if err != nil {
		return nil, fmt.Errorf("%w: create budget: %v", models.ErrBackend, err)
	}
	// Re-read: a concurrent creator may have won the conflict.
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND site_id = ?", tenantID, siteID).
		First(&budget).Error; err != nil {
		return nil, fmt.Errorf("%w: reload budget: %v", models.ErrBackend, err)
	}
	return &budget, nil
}

func (s *budgetService) Check(ctx context.Context, tenantID string, siteID uuid.UUID, dim models.BudgetDimension, amount int64) (*models.BudgetCheckResult, error) {
	if !validDimension(dim) {
		return nil, fmt.Errorf("%w: unknown dimension %q", models.ErrBackend, dim)
	}
	budget, err := s.ensure(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	budget, err = s.maybeReset(ctx, budget, time.Now())
	if err != nil {
		return nil, err
	}
	return checkBudget(budget, dim, amount), nil
}

// checkBudget evaluates one dimension against its limit. Pure so the gate
// logic is testable without a database.
func checkBudget(b *models.ResourceBudget, dim models.BudgetDimension, amount int64) *models.BudgetCheckResult {
	limit := b.Limits.Get(dim)
	used := b.Usage.Get(dim)
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	result := &models.BudgetCheckResult{
		Dimension:      dim,
		Limit:          limit,
		Used:           used,
		Remaining:      remaining,
		OverageAllowed: b.Overage.Allow,
	}

	if reset := resetTimeFor(b, dim); reset != nil {
		result.ResetTime = reset
	}

	projected := used + amount
	if dim == models.BudgetStorage && amount > used {
		projected = amount // storage checks the proposed gauge value
	}
	if projected <= limit {
		result.Allowed = true
		return result
	}
	if b.Overage.Allow {
		result.Allowed = true
		overage := projected - limit
		if cost, ok := b.Overage.UnitCosts[string(dim)]; ok {
			result.EstimatedCost = float64(overage) * cost
		}
		return result
	}
	result.Allowed = false
	return result
}

func resetTimeFor(b *models.ResourceBudget, dim models.BudgetDimension) *time.Time {
	switch models.WindowFor(dim) {
	case models.WindowHour:
		t := b.Resets.Hour
		return &t
	case models.WindowDay:
		t := b.Resets.Day
		return &t
	case models.WindowMonth:
		t := b.Resets.Month
		return &t
	default:
		return nil
	}
}

// Record adds usage atomically. Counter dimensions increment; storage is a
// high-water-mark gauge updated with GREATEST so stale gauges never shrink
// a larger concurrent measurement. The write carries the limit guard into
// the UPDATE itself: unless the overage policy permits exceeding the limit,
// a projected total past it leaves the row untouched and the call fails
// with ErrBudgetExceeded.
func (s *budgetService) Record(ctx context.Context, tenantID string, siteID uuid.UUID, dim models.BudgetDimension, amount int64) (*models.BudgetRecordResult, error) {
	if !validDimension(dim) {
		return nil, fmt.Errorf("%w: unknown dimension %q", models.ErrBackend, dim)
	}
	if amount < 0 {
		return nil, fmt.Errorf("%w: negative amount", models.ErrBackend)
	}
	budget, err := s.ensure(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	budget, err = s.maybeReset(ctx, budget, time.Now())
	if err != nil {
		return nil, err
	}

	field := jsonField(dim)
	var expr, projected string
	if dim == models.BudgetStorage {
		expr = fmt.Sprintf(
			`jsonb_set(usage_json, '{%s}', to_jsonb(GREATEST(COALESCE((usage_json->>'%s')::bigint, 0), ?)))`,
			field, field)
		projected = fmt.Sprintf(
			`GREATEST(COALESCE((usage_json->>'%s')::bigint, 0), ?)`, field)
	} else {
		expr = fmt.Sprintf(
			`jsonb_set(usage_json, '{%s}', to_jsonb(COALESCE((usage_json->>'%s')::bigint, 0) + ?))`,
			field, field)
		projected = fmt.Sprintf(
			`COALESCE((usage_json->>'%s')::bigint, 0) + ?`, field)
	}

	var row struct {
		UsageJSON  models.BudgetAmounts
		LimitsJSON models.BudgetAmounts
	}
	res := s.db.WithContext(ctx).Raw(fmt.Sprintf(
		`UPDATE resource_budgets
		 SET usage_json = %s, updated_at = ?
		 WHERE tenant_id = ? AND site_id = ?
		   AND (COALESCE((overage_policy_json->>'allow')::boolean, false)
		        OR %s <= COALESCE((limits_json->>'%s')::bigint, 0))
		 RETURNING usage_json, limits_json`, expr, projected, field),
		amount, time.Now(), tenantID, siteID, amount,
	).Scan(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("%w: record usage: %v", models.ErrBackend, res.Error)
	}
	if res.RowsAffected == 0 {
		check := checkBudget(budget, dim, amount)
		return nil, fmt.Errorf("%w: %s %d/%d", models.ErrBudgetExceeded, dim, check.Used, check.Limit)
	}

	newTotal := row.UsageJSON.Get(dim)
	limit := row.LimitsJSON.Get(dim)
	remaining := limit - newTotal
	if remaining < 0 {
		remaining = 0
	}
	return &models.BudgetRecordResult{
		Dimension: dim,
		NewTotal:  newTotal,
		Remaining: remaining,
		Warning:   usageWarning(dim, newTotal, limit),
	}, nil
}

// usageWarning emits threshold warnings at 75% and 90% of the limit.
func usageWarning(dim models.BudgetDimension, used, limit int64) string {
	if limit <= 0 {
		return ""
	}
	ratio := float64(used) / float64(limit)
	switch {
	case used > limit:
		return fmt.Sprintf("%s limit exceeded (%d/%d)", dim, used, limit)
	case ratio >= 0.9:
		return fmt.Sprintf("%s at %.0f%% of limit", dim, ratio*100)
	case ratio >= 0.75:
		return fmt.Sprintf("%s approaching limit (%.0f%%)", dim, ratio*100)
	default:
		return ""
	}
}

func (s *budgetService) Get(ctx context.Context, tenantID string, siteID uuid.UUID) (*models.ResourceBudget, error) {
	budget, err := s.ensure(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	return s.maybeReset(ctx, budget, time.Now())
}

func (s *budgetService) Update(ctx context.Context, tenantID string, siteID uuid.UUID, req models.UpdateBudgetRequest) (*models.ResourceBudget, error) {
	budget, err := s.ensure(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}

	if req.Limits != nil {
		for _, dim := range models.AllBudgetDimensions {
			if req.Limits.Get(dim) < 0 {
				return nil, fmt.Errorf("%w: negative limit for %s", models.ErrBackend, dim)
			}
		}
		budget.Limits = *req.Limits
	}
	if req.Overage != nil {
		budget.Overage = *req.Overage
	}
	if req.Tier != nil {
		budget.Tier = *req.Tier
	}

	err = s.db.WithContext(ctx).Model(&models.ResourceBudget{}).
		Where("tenant_id = ? AND site_id = ?", tenantID, siteID).
		Updates(map[string]any{
			"limits_json":         budget.Limits,
			"overage_policy_json": budget.Overage,
			"tier":                budget.Tier,
		}).Error
	if err != nil {
		return nil, fmt.Errorf("%w: update budget: %v", models.ErrBackend, err)
	}
	return budget, nil
}

func (s *budgetService) GenerateOptimizations(ctx context.Context, tenantID string, siteID uuid.UUID) ([]models.BudgetOptimization, error) {
	budget, err := s.Get(ctx, tenantID, siteID)
	if err != nil {
		return nil, err
	}
	return optimizationsFor(budget), nil
}

// optimizationsFor derives advisory suggestions from usage ratios.
func optimizationsFor(b *models.ResourceBudget) []models.BudgetOptimization {
	suggestions := map[models.BudgetDimension]string{
		models.BudgetTokens:       "enable delta crawls and tighten chunk sizes to cut embedding volume",
		models.BudgetActions:      "batch widget actions or raise the action budget tier",
		models.BudgetAPICalls:     "raise cache TTLs so repeated queries are served from cache",
		models.BudgetVoiceMinutes: "shorten voice prompts or move long answers to text",
		models.BudgetStorage:      "delete stale documents or reduce retained chunk overlap",
	}

	var out []models.BudgetOptimization
	for _, dim := range models.AllBudgetDimensions {
		limit := b.Limits.Get(dim)
		if limit <= 0 {
			continue
		}
		ratio := float64(b.Usage.Get(dim)) / float64(limit)
		if ratio < 0.8 {
			continue
		}
		out = append(out, models.BudgetOptimization{
			Dimension:       dim,
			Suggestion:      suggestions[dim],
			UsageRatio:      ratio,
			EstimatedImpact: ratio - 0.5, // rough headroom recovered by acting
		})
	}
	return out
}

// maybeReset rolls expired windows forward. The write is guarded by the
// previous reset_dates_json value so exactly one of N racing resetters
// performs the rollover.
func (s *budgetService) maybeReset(ctx context.Context, b *models.ResourceBudget, now time.Time) (*models.ResourceBudget, error) {
	now = now.UTC()
	expired := expiredWindows(b, now)
	if len(expired) == 0 {
		return b, nil
	}

	usage := b.Usage
	resets := b.Resets
	for _, window := range expired {
		for _, dim := range models.AllBudgetDimensions {
			if models.WindowFor(dim) == window {
				usage.Set(dim, 0)
			}
		}
	}
	next := models.NextResetDates(now)
	for _, window := range expired {
		switch window {
		case models.WindowHour:
			resets.Hour = next.Hour
		case models.WindowDay:
			resets.Day = next.Day
		case models.WindowMonth:
			resets.Month = next.Month
		}
	}

	prior, err := b.Resets.Value()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	res := s.db.WithContext(ctx).Model(&models.ResourceBudget{}).
		Where("id = ? AND reset_dates_json = ?", b.ID, prior).
		Updates(map[string]any{
			"usage_json":       usage,
			"reset_dates_json": resets,
		})
	if res.Error != nil {
		return nil, fmt.Errorf("%w: window reset: %v", models.ErrBackend, res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race: another resetter already rolled the window over.
		var fresh models.ResourceBudget
		if err := s.db.WithContext(ctx).Where("id = ?", b.ID).First(&fresh).Error; err != nil {
			return nil, fmt.Errorf("%w: reload after reset race: %v", models.ErrBackend, err)
		}
		return &fresh, nil
	}

	b.Usage = usage
	b.Resets = resets
	return b, nil
}

// expiredWindows lists the windows whose boundary is at or before now.
func expiredWindows(b *models.ResourceBudget, now time.Time) []models.BudgetWindow {
	var out []models.BudgetWindow
	if !b.Resets.Hour.IsZero() && !now.Before(b.Resets.Hour) {
		out = append(out, models.WindowHour)
	}
	if !b.Resets.Day.IsZero() && !now.Before(b.Resets.Day) {
		out = append(out, models.WindowDay)
	}
	if !b.Resets.Month.IsZero() && !now.Before(b.Resets.Month) {
		out = append(out, models.WindowMonth)
	}
	return out
}

// RunResets sweeps every budget whose windows are due. Invoked on a timer
// by the server; safe to run from several replicas concurrently.
func (s *budgetService) RunResets(ctx context.Context, now int64) error {
	at := time.Unix(now, 0).UTC()
	var budgets []models.ResourceBudget
	err := s.db.WithContext(ctx).
		Where(`(reset_dates_json->>'hour')::timestamptz <= ?
		    OR (reset_dates_json->>'day')::timestamptz <= ?
		    OR (reset_dates_json->>'month')::timestamptz <= ?`, at, at, at).
		Find(&budgets).Error
	if err != nil {
		return fmt.Errorf("%w: reset sweep: %v", models.ErrBackend, err)
	}
	for i := range budgets {
		if _, err := s.maybeReset(ctx, &budgets[i], at); err != nil {
			return err
		}
	}
	return nil
}
