package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BudgetDimension is one metered resource type.
type BudgetDimension string

const (
	BudgetTokens       BudgetDimension = "tokens"
	BudgetActions      BudgetDimension = "actions"
	BudgetAPICalls     BudgetDimension = "api_calls"
	BudgetVoiceMinutes BudgetDimension = "voice_minutes"
	BudgetStorage      BudgetDimension = "storage"
)

// AllBudgetDimensions lists every metered dimension.
var AllBudgetDimensions = []BudgetDimension{
	BudgetTokens, BudgetActions, BudgetAPICalls, BudgetVoiceMinutes, BudgetStorage,
}

// BudgetWindow is the reset interval for a dimension. Storage has no
// window: it is a high-water-mark gauge.
type BudgetWindow string

const (
	WindowHour  BudgetWindow = "hour"
	WindowDay   BudgetWindow = "day"
	WindowMonth BudgetWindow = "month"
	WindowNone  BudgetWindow = "none"
)

// WindowFor returns the reset window of a dimension.
func WindowFor(dim BudgetDimension) BudgetWindow {
	switch dim {
	case BudgetAPICalls:
		return WindowHour
	case BudgetActions:
		return WindowDay
	case BudgetTokens, BudgetVoiceMinutes:
		return WindowMonth
	default:
		return WindowNone
	}
}

// BudgetAmounts holds one value per dimension. Used for both limits and
// cumulative usage so the two always share a shape.
type BudgetAmounts struct {
	Tokens       int64 `json:"tokens"`
	Actions      int64 `json:"actions"`
	APICalls     int64 `json:"api_calls"`
	VoiceMinutes int64 `json:"voice_minutes"`
	StorageBytes int64 `json:"storage_bytes"`
}

// Get returns the value for a dimension.
func (a BudgetAmounts) Get(dim BudgetDimension) int64 {
	switch dim {
	case BudgetTokens:
		return a.Tokens
	case BudgetActions:
		return a.Actions
	case BudgetAPICalls:
		return a.APICalls
	case BudgetVoiceMinutes:
		return a.VoiceMinutes
	case BudgetStorage:
		return a.StorageBytes
	}
	return 0
}

// Set assigns the value for a dimension.
func (a *BudgetAmounts) Set(dim BudgetDimension, v int64) {
	switch dim {
	case BudgetTokens:
		a.Tokens = v
	case BudgetActions:
		a.Actions = v
	case BudgetAPICalls:
		a.APICalls = v
	case BudgetVoiceMinutes:
		a.VoiceMinutes = v
	case BudgetStorage:
		a.StorageBytes = v
	}
}

func (a BudgetAmounts) Value() (driver.Value, error) { return json.Marshal(a) }

func (a *BudgetAmounts) Scan(value interface{}) error {
	return scanJSON(value, a)
}

// ResetDates tracks the next rollover instant per window.
type ResetDates struct {
	Hour  time.Time `json:"hour"`
	Day   time.Time `json:"day"`
	Month time.Time `json:"month"`
}

func (r ResetDates) Value() (driver.Value, error) { return json.Marshal(r) }

func (r *ResetDates) Scan(value interface{}) error { return scanJSON(value, r) }

// OveragePolicy governs behavior past the limit: when Allow is set,
// record() proceeds and the overage is priced at the per-unit cost.
type OveragePolicy struct {
	Allow     bool               `json:"allow"`
	UnitCosts map[string]float64 `json:"unit_costs,omitempty"`
}

func (p OveragePolicy) Value() (driver.Value, error) { return json.Marshal(p) }

func (p *OveragePolicy) Scan(value interface{}) error { return scanJSON(value, p) }

func scanJSON(value interface{}, dest interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type: %T", value)
	}
}

// ResourceBudget is the per-(tenant, site) quota record.
type ResourceBudget struct {
	ID         uuid.UUID     `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID   string        `json:"tenant_id" gorm:"not null;uniqueIndex:idx_budgets_scope,priority:1"`
	SiteID     uuid.UUID     `json:"site_id" gorm:"type:uuid;not null;uniqueIndex:idx_budgets_scope,priority:2"`
	Tier       string        `json:"tier"`
	Limits     BudgetAmounts `json:"limits" gorm:"column:limits_json;type:jsonb"`
	Usage      BudgetAmounts `json:"usage" gorm:"column:usage_json;type:jsonb"`
	Resets     ResetDates    `json:"reset_dates" gorm:"column:reset_dates_json;type:jsonb"`
	Overage    OveragePolicy `json:"overage_policy" gorm:"column:overage_policy_json;type:jsonb"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (ResourceBudget) TableName() string { return "resource_budgets" }

// DefaultTierBudget materializes the free-tier budget for a pair that has
// never been registered.
func DefaultTierBudget(tenantID string, siteID uuid.UUID, now time.Time) *ResourceBudget {
	return &ResourceBudget{
		ID:       uuid.New(),
		TenantID: tenantID,
		SiteID:   siteID,
		Tier:     "free",
		Limits: BudgetAmounts{
			Tokens:       1_000_000,
			Actions:      1_000,
			APICalls:     10_000,
			VoiceMinutes: 300,
			StorageBytes: 1 << 30,
		},
		Resets: NextResetDates(now),
		Overage: OveragePolicy{
			Allow: false,
			UnitCosts: map[string]float64{
				string(BudgetTokens):       0.000002,
				string(BudgetAPICalls):     0.0001,
				string(BudgetVoiceMinutes): 0.01,
			},
		},
	}
}

// NextResetDates computes the upcoming window boundaries after now.
func NextResetDates(now time.Time) ResetDates {
	now = now.UTC()
	return ResetDates{
		Hour:  now.Truncate(time.Hour).Add(time.Hour),
		Day:   time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1),
		Month: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0),
	}
}

// BudgetCheckResult is the answer to a quota pre-check.
type BudgetCheckResult struct {
	Allowed        bool            `json:"allowed"`
	Dimension      BudgetDimension `json:"dimension"`
	Remaining      int64           `json:"remaining"`
	Limit          int64           `json:"limit"`
	Used           int64           `json:"used"`
	OverageAllowed bool            `json:"overage_allowed"`
	EstimatedCost  float64         `json:"estimated_cost,omitempty"`
	ResetTime      *time.Time      `json:"reset_time,omitempty"`
}

// BudgetRecordResult reports the counter state after a record.
type BudgetRecordResult struct {
	Dimension BudgetDimension `json:"dimension"`
	NewTotal  int64           `json:"new_total"`
	Remaining int64           `json:"remaining"`
	Warning   string          `json:"warning,omitempty"`
}

// BudgetOptimization is an advisory suggestion derived from usage ratios.
type BudgetOptimization struct {
	Dimension       BudgetDimension `json:"dimension"`
	Suggestion      string          `json:"suggestion"`
	UsageRatio      float64         `json:"usage_ratio"`
	EstimatedImpact float64         `json:"estimated_impact"`
}

// UpdateBudgetRequest patches limits and overage policy. Nil fields are
// left untouched.
type UpdateBudgetRequest struct {
	Limits  *BudgetAmounts `json:"limits,omitempty"`
	Overage *OveragePolicy `json:"overage_policy,omitempty"`
	Tier    *string        `json:"tier,omitempty"`
}
