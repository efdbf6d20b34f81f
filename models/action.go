package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type ActionKind string
type SideEffect string
type RiskLevel string

const (
	ActionKindNavigation ActionKind = "navigation"
	ActionKindForm       ActionKind = "form"
	ActionKindButton     ActionKind = "button"
	ActionKindAPI        ActionKind = "api"
	ActionKindCustom     ActionKind = "custom"

	SideEffectSafe  SideEffect = "safe"
	SideEffectRead  SideEffect = "read"
	SideEffectWrite SideEffect = "write"

	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActionParameter is one typed parameter of an executable action.
type ActionParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // string, number, boolean, email, url, date
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required"`
	Options     []string `json:"options,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	MinLength   *int     `json:"min_length,omitempty"`
	MaxLength   *int     `json:"max_length,omitempty"`
}

// ActionDescriptor is a machine-executable interaction derived from the
// site's DOM. The widget bridge resolves it by (documentId, selector),
// never by object reference.
type ActionDescriptor struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name"` // slug
	Kind                 ActionKind        `json:"kind"`
	Description          string            `json:"description"`
	Selector             string            `json:"selector"`
	DocumentURL          string            `json:"document_url,omitempty"`
	Category             string            `json:"category,omitempty"` // commerce, booking, contact, search, ...
	Parameters           []ActionParameter `json:"parameters,omitempty"`
	SideEffecting        SideEffect        `json:"side_effecting"`
	RiskLevel            RiskLevel         `json:"risk_level"`
	RequiresConfirmation bool              `json:"requires_confirmation"`
	RequiresAuth         bool              `json:"requires_auth"`
	JSONSchema           map[string]any    `json:"json_schema,omitempty"` // Draft 2020-12
}

// SecuritySettings is the manifest's execution policy.
type SecuritySettings struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	RequireHTTPS     bool     `json:"require_https"`
	CSRFProtection   bool     `json:"csrf_protection"`
	AllowedMethods   []string `json:"allowed_methods"`
}

// PrivacySettings flags selectors the widget must treat as sensitive.
type PrivacySettings struct {
	SensitiveSelectors []string `json:"sensitive_selectors"`
	RedactInLogs       bool     `json:"redact_in_logs"`
}

// SiteManifest is the per-site catalog of executable actions and derived
// capabilities. Regenerated as the last step of every crawl session.
type SiteManifest struct {
	SchemaVersion   string             `json:"schema_version"`
	SiteID          uuid.UUID          `json:"site_id"`
	Version         int64              `json:"version"`
	GeneratedAt     time.Time          `json:"generated_at"`
	Actions         []ActionDescriptor `json:"actions"`
	Capabilities    []string           `json:"capabilities"`
	Security        SecuritySettings   `json:"security_settings"`
	Privacy         PrivacySettings    `json:"privacy_settings"`
}

// ManifestSchemaVersion is the wire-format version carried explicitly in
// every emitted manifest.
const ManifestSchemaVersion = "1.0"

// SiteManifestRecord is the persisted manifest row.
type SiteManifestRecord struct {
	SiteID      uuid.UUID      `json:"site_id" gorm:"type:uuid;primaryKey"`
	TenantID    string         `json:"tenant_id" gorm:"not null;index"`
	Version     int64          `json:"version" gorm:"not null"`
	GeneratedAt time.Time      `json:"generated_at"`
	Manifest    datatypes.JSON `json:"manifest" gorm:"column:manifest_json"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (SiteManifestRecord) TableName() string { return "site_manifests" }
