package impl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"github.com/xeipuuv/gojsonschema"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Per-kind caps keep manifests small enough for the widget to load on
// every page view.
var manifestKindCaps = map[models.ActionKind]int{
	models.ActionKindNavigation: 10,
	models.ActionKindButton:     15,
	models.ActionKindForm:       10,
	models.ActionKindAPI:        5,
	models.ActionKindCustom:     10,
}

const jsonSchemaDialect = "https://json-schema.org/draft/2020-12/schema"

type manifestService struct {
	db *gorm.DB
}

func NewManifestService(db *gorm.DB) services.ManifestService {
	return &manifestService{db: db}
}

// candidate accumulates one deduplicated action across pages.
type manifestCandidate struct {
	descriptor models.ActionDescriptor
	pageCount  int
}

// Generate builds the site manifest from per-page extraction results,
// versions it above the previous manifest and persists it. generatedAt is
// the crawl session's finish time; zero falls back to now.
func (m *manifestService) Generate(ctx context.Context, tenantID string, siteID uuid.UUID, pages []services.PageActions, generatedAt time.Time) (*models.SiteManifest, error) {
	if tenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}

	manifest := buildManifest(siteID, pages, generatedAt)
	manifest.Security = m.deriveSecurity(ctx, tenantID, siteID)

	prev, err := m.Latest(ctx, tenantID, siteID)
	switch {
	case err == nil:
		manifest.Version = prev.Version + 1
	case errors.Is(err, models.ErrNotFound):
		manifest.Version = 1
	default:
		return nil, err
	}

	raw, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal manifest: %v", models.ErrBackend, err)
	}
	record := models.SiteManifestRecord{
		SiteID:      siteID,
		TenantID:    tenantID,
		Version:     manifest.Version,
		GeneratedAt: manifest.GeneratedAt,
		Manifest:    raw,
	}
	err = m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "site_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"version", "generated_at", "manifest_json", "updated_at",
		}),
	}).Create(&record).Error
	if err != nil {
		return nil, fmt.Errorf("%w: store manifest: %v", models.ErrBackend, err)
	}
	return manifest, nil
}

// buildManifest assembles the unversioned manifest body. Pure so ranking,
// capability and privacy derivation are testable without a database.
func buildManifest(siteID uuid.UUID, pages []services.PageActions, generatedAt time.Time) *models.SiteManifest {
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}
	actions := validateSchemas(rankAndCap(collectCandidates(pages)))
	return &models.SiteManifest{
		SchemaVersion: models.ManifestSchemaVersion,
		SiteID:        siteID,
		GeneratedAt:   generatedAt,
		Actions:       actions,
		Capabilities:  deriveCapabilities(actions),
		Privacy:       derivePrivacy(pages),
	}
}

func (m *manifestService) Latest(ctx context.Context, tenantID string, siteID uuid.UUID) (*models.SiteManifest, error) {
	if tenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	var record models.SiteManifestRecord
	err := m.db.WithContext(ctx).
		Where("tenant_id = ? AND site_id = ?", tenantID, siteID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: manifest for site %s", models.ErrNotFound, siteID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load manifest: %v", models.ErrBackend, err)
	}
	var manifest models.SiteManifest
	if err := json.Unmarshal(record.Manifest, &manifest); err != nil {
		return nil, fmt.Errorf("%w: decode manifest: %v", models.ErrBackend, err)
	}
	return &manifest, nil
}

// Refresh bumps the stored manifest's version and generation time without
// rebuilding the action set. Delta crawls that changed no pages use this so
// the manifest still reflects the session that confirmed it.
func (m *manifestService) Refresh(ctx context.Context, tenantID string, siteID uuid.UUID, generatedAt time.Time) error {
	if tenantID == "" {
		return models.ErrTenantScopeMissing
	}
	if generatedAt.IsZero() {
		generatedAt = time.Now()
	}

	manifest, err := m.Latest(ctx, tenantID, siteID)
	if errors.Is(err, models.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	manifest.Version++
	manifest.GeneratedAt = generatedAt
	raw, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("%w: marshal manifest: %v", models.ErrBackend, err)
	}
	err = m.db.WithContext(ctx).Model(&models.SiteManifestRecord{}).
		Where("tenant_id = ? AND site_id = ?", tenantID, siteID).
		Updates(map[string]any{
			"version":       manifest.Version,
			"generated_at":  generatedAt,
			"manifest_json": raw,
		}).Error
	if err != nil {
		return fmt.Errorf("%w: refresh manifest: %v", models.ErrBackend, err)
	}
	return nil
}

// collectCandidates deduplicates actions across pages by (selector, kind),
// counting how many pages carry each.
func collectCandidates(pages []services.PageActions) map[string]*manifestCandidate {
	candidates := make(map[string]*manifestCandidate)

	add := func(d models.ActionDescriptor) {
		key := string(d.Kind) + "|" + d.Selector
		if existing, ok := candidates[key]; ok {
			existing.pageCount++
			return
		}
		candidates[key] = &manifestCandidate{descriptor: d, pageCount: 1}
	}

	for _, page := range pages {
		for _, a := range page.Actions {
			if a.Kind == models.ActionKindForm {
				continue // forms are described from the richer form extraction
			}
			add(descriptorFromAction(a, page.DocumentURL))
		}
		for _, f := range page.Forms {
			add(descriptorFromForm(f, page.DocumentURL))
		}
	}
	return candidates
}

func descriptorFromAction(a models.ExtractedAction, documentURL string) models.ActionDescriptor {
	d := models.ActionDescriptor{
		ID:                   actionID(a.Kind, a.Selector),
		Name:                 a.Name,
		Kind:                 a.Kind,
		Description:          a.Label,
		Selector:             a.Selector,
		DocumentURL:          documentURL,
		Category:             a.Category,
		SideEffecting:        a.SideEffecting,
		RequiresConfirmation: a.RequiresConfirmation,
		RiskLevel:            riskFor(a.SideEffecting, a.RequiresConfirmation),
	}
	if a.Kind == models.ActionKindNavigation && a.Href != "" {
		d.JSONSchema = map[string]any{
			"$schema":              jsonSchemaDialect,
			"type":                 "object",
			"properties":           map[string]any{},
			"additionalProperties": false,
		}
	}
	return d
}

func descriptorFromForm(f models.ExtractedForm, documentURL string) models.ActionDescriptor {
	name := f.Name
	if name == "" {
		name = string(f.Type) + "-form"
	}

	params := make([]models.ActionParameter, 0, len(f.Fields))
	properties := map[string]any{}
	var required []string
	for _, field := range f.Fields {
		if field.Name == "" || field.Disabled || field.ReadOnly {
			continue
		}
		params = append(params, parameterFromField(field))
		properties[field.Name] = schemaForField(field)
		if field.Required {
			required = append(required, field.Name)
		}
	}

	schema := map[string]any{
		"$schema":              jsonSchemaDialect,
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	sideEffect := models.SideEffectWrite
	if f.Type == models.FormTypeSearch {
		sideEffect = models.SideEffectRead
	}
	confirm := f.Type == models.FormTypeCheckout

	return models.ActionDescriptor{
		ID:                   actionID(models.ActionKindForm, f.Selector),
		Name:                 name,
		Kind:                 models.ActionKindForm,
		Description:          fmt.Sprintf("%s form", f.Type),
		Selector:             f.Selector,
		DocumentURL:          documentURL,
		Category:             string(f.Type),
		Parameters:           params,
		SideEffecting:        sideEffect,
		RequiresConfirmation: confirm,
		RequiresAuth:         f.Type == models.FormTypeCheckout,
		RiskLevel:            riskFor(sideEffect, confirm),
		JSONSchema:           schema,
	}
}

func parameterFromField(field models.FormField) models.ActionParameter {
	p := models.ActionParameter{
		Name:      field.Name,
		Type:      parameterType(field),
		Required:  field.Required,
		Options:   field.Options,
		Pattern:   field.Validation.Pattern,
		MinLength: field.Validation.MinLength,
		MaxLength: field.Validation.MaxLength,
	}
	if field.Label != "" {
		p.Description = field.Label
	}
	return p
}

func parameterType(field models.FormField) string {
	switch field.Type {
	case "number", "range":
		return "number"
	case "checkbox":
		return "boolean"
	case "email":
		return "email"
	case "url":
		return "url"
	case "date", "datetime-local":
		return "date"
	default:
		return "string"
	}
}

func schemaForField(field models.FormField) map[string]any {
	prop := map[string]any{}
	switch parameterType(field) {
	case "number":
		prop["type"] = "number"
	case "boolean":
		prop["type"] = "boolean"
	case "email":
		prop["type"] = "string"
		prop["format"] = "email"
	case "url":
		prop["type"] = "string"
		prop["format"] = "uri"
	case "date":
		prop["type"] = "string"
		prop["format"] = "date"
	default:
		prop["type"] = "string"
	}
	if field.Validation.Pattern != "" {
		prop["pattern"] = field.Validation.Pattern
	}
	if field.Validation.MinLength != nil {
		prop["minLength"] = *field.Validation.MinLength
	}
	if field.Validation.MaxLength != nil {
		prop["maxLength"] = *field.Validation.MaxLength
	}
	if len(field.Options) > 0 {
		opts := make([]any, len(field.Options))
		for i, o := range field.Options {
			opts[i] = o
		}
		prop["enum"] = opts
	}
	if field.Label != "" {
		prop["description"] = field.Label
	}
	return prop
}

func riskFor(side models.SideEffect, confirm bool) models.RiskLevel {
	switch {
	case side == models.SideEffectWrite && confirm:
		return models.RiskHigh
	case side == models.SideEffectWrite:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func actionID(kind models.ActionKind, selector string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(string(kind)+"|"+selector)).String()
}

// rankAndCap orders candidates by page frequency (site-wide actions such
// as header navigation rank first) and applies the per-kind caps.
func rankAndCap(candidates map[string]*manifestCandidate) []models.ActionDescriptor {
	ordered := make([]*manifestCandidate, 0, len(candidates))
	for _, c := range candidates {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].pageCount != ordered[j].pageCount {
			return ordered[i].pageCount > ordered[j].pageCount
		}
		return ordered[i].descriptor.Name < ordered[j].descriptor.Name
	})

	perKind := make(map[models.ActionKind]int)
	var out []models.ActionDescriptor
	for _, c := range ordered {
		kind := c.descriptor.Kind
		limit, ok := manifestKindCaps[kind]
		if !ok {
			limit = manifestKindCaps[models.ActionKindCustom]
		}
		if perKind[kind] >= limit {
			continue
		}
		perKind[kind]++
		out = append(out, c.descriptor)
	}
	return out
}

// validateSchemas drops actions whose parameter schema is not itself a
// valid JSON Schema; a broken schema would break every widget client.
func validateSchemas(actions []models.ActionDescriptor) []models.ActionDescriptor {
	out := actions[:0]
	for _, a := range actions {
		if a.JSONSchema != nil {
			if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(a.JSONSchema)); err != nil {
				log.Printf("manifest: dropping action %s: invalid schema: %v", a.Name, err)
				continue
			}
		}
		out = append(out, a)
	}
	return out
}

func deriveCapabilities(actions []models.ActionDescriptor) []string {
	seen := make(map[string]bool)
	for _, a := range actions {
		switch {
		case a.Category == "commerce" || a.Category == string(models.FormTypeCheckout):
			seen["commerce"] = true
		case a.Category == "booking" || a.Category == string(models.FormTypeBooking):
			seen["booking"] = true
		case a.Category == "contact" || a.Category == string(models.FormTypeContact):
			seen["contact"] = true
		case a.Category == "search" || a.Category == string(models.FormTypeSearch):
			seen["search"] = true
		case a.Category == string(models.FormTypeNewsletter):
			seen["subscription"] = true
		case a.Category == string(models.FormTypeLogin) || a.Category == string(models.FormTypeRegistration):
			seen["accounts"] = true
		}
		if a.Kind == models.ActionKindNavigation {
			seen["navigation"] = true
		}
	}
	caps := make([]string, 0, len(seen))
	for c := range seen {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// sensitiveFieldRe-equivalent name fragments for privacy flagging.
var sensitiveFragments = []string{
	"password", "card", "cvv", "cvc", "ssn", "secret", "token", "iban",
	"email", "phone", "tax",
}

func derivePrivacy(pages []services.PageActions) models.PrivacySettings {
	seen := make(map[string]bool)
	for _, page := range pages {
		for _, form := range page.Forms {
			for _, field := range form.Fields {
				if !sensitiveField(field) {
					continue
				}
				selector := form.Selector + ` [name=` + quoteAttr(field.Name) + `]`
				seen[selector] = true
			}
		}
	}
	selectors := make([]string, 0, len(seen))
	for s := range seen {
		selectors = append(selectors, s)
	}
	sort.Strings(selectors)
	return models.PrivacySettings{
		SensitiveSelectors: selectors,
		RedactInLogs:       true,
	}
}

func sensitiveField(field models.FormField) bool {
	if field.Type == "password" {
		return true
	}
	name := strings.ToLower(field.Name)
	for _, frag := range sensitiveFragments {
		if strings.Contains(name, frag) {
			return true
		}
	}
	return false
}

func quoteAttr(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
}

func (m *manifestService) deriveSecurity(ctx context.Context, tenantID string, siteID uuid.UUID) models.SecuritySettings {
	settings := models.SecuritySettings{
		RequireHTTPS:   true,
		CSRFProtection: true,
		AllowedMethods: []string{"GET", "POST"},
	}
	var site models.Site
	err := m.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, siteID).
		First(&site).Error
	if err != nil {
		return settings
	}
	settings.AllowedOrigins = site.AllowedOrigins
	if len(settings.AllowedOrigins) == 0 && site.BaseURL != "" {
		settings.AllowedOrigins = []string{site.BaseURL}
	}
	settings.RequireHTTPS = strings.HasPrefix(site.BaseURL, "https://")
	return settings
}
