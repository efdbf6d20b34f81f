package impl

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func navAction(name, selector string) models.ExtractedAction {
	return models.ExtractedAction{
		Name:          name,
		Kind:          models.ActionKindNavigation,
		Label:         name,
		Selector:      selector,
		SideEffecting: models.SideEffectSafe,
	}
}

func TestCollectCandidates_DedupesAcrossPages(t *testing.T) {
	pages := []services.PageActions{
		{DocumentURL: "https://acme.example/a", Actions: []models.ExtractedAction{navAction("pricing", "#nav-pricing")}},
		{DocumentURL: "https://acme.example/b", Actions: []models.ExtractedAction{navAction("pricing", "#nav-pricing")}},
		{DocumentURL: "https://acme.example/b", Actions: []models.ExtractedAction{navAction("about", "#nav-about")}},
	}

	candidates := collectCandidates(pages)

	require.Len(t, candidates, 2)
	key := string(models.ActionKindNavigation) + "|#nav-pricing"
	require.Contains(t, candidates, key)
	assert.Equal(t, 2, candidates[key].pageCount)
	// The first sighting's page URL is kept.
	assert.Equal(t, "https://acme.example/a", candidates[key].descriptor.DocumentURL)
}

func TestRankAndCap_FrequencyFirstThenCaps(t *testing.T) {
	candidates := make(map[string]*manifestCandidate)
	for i := 0; i < 14; i++ {
		d := models.ActionDescriptor{
			Name:     fmt.Sprintf("nav-%02d", i),
			Kind:     models.ActionKindNavigation,
			Selector: fmt.Sprintf("#nav-%02d", i),
		}
		count := 1
		if i == 13 {
			count = 50 // site-wide header link seen on every page
		}
		candidates[string(d.Kind)+"|"+d.Selector] = &manifestCandidate{descriptor: d, pageCount: count}
	}

	out := rankAndCap(candidates)

	require.Len(t, out, 10) // navigation cap
	assert.Equal(t, "nav-13", out[0].Name)
}

func TestDescriptorFromForm_SchemaAndParameters(t *testing.T) {
	minLen := 7
	form := models.ExtractedForm{
		Name:     "booking",
		Selector: "#book",
		Type:     models.FormTypeBooking,
		Fields: []models.FormField{
			{Name: "email", Type: "email", Required: true, Label: "Your email",
				Validation: models.FormFieldValidation{Email: true}},
			{Name: "phone", Type: "text",
				Validation: models.FormFieldValidation{MinLength: &minLen}},
			{Name: "slot", Type: "select", Options: []string{"am", "pm"}},
			{Name: "csrf", Type: "hidden", Disabled: true},
		},
	}

	d := descriptorFromForm(form, "https://acme.example/book")

	assert.Equal(t, models.ActionKindForm, d.Kind)
	assert.Equal(t, models.SideEffectWrite, d.SideEffecting)
	assert.Equal(t, "booking", d.Category)
	require.Len(t, d.Parameters, 3) // disabled field excluded

	require.NotNil(t, d.JSONSchema)
	assert.Equal(t, jsonSchemaDialect, d.JSONSchema["$schema"])
	props := d.JSONSchema["properties"].(map[string]any)
	require.Contains(t, props, "email")
	email := props["email"].(map[string]any)
	assert.Equal(t, "string", email["type"])
	assert.Equal(t, "email", email["format"])

	phone := props["phone"].(map[string]any)
	assert.Equal(t, 7, phone["minLength"])

	slot := props["slot"].(map[string]any)
	assert.Equal(t, []any{"am", "pm"}, slot["enum"])

	assert.Equal(t, []string{"email"}, d.JSONSchema["required"])
}

func TestDescriptorFromForm_SearchFormIsReadOnly(t *testing.T) {
	form := models.ExtractedForm{Selector: "#search", Type: models.FormTypeSearch,
		Fields: []models.FormField{{Name: "q", Type: "text"}}}

	d := descriptorFromForm(form, "")

	assert.Equal(t, models.SideEffectRead, d.SideEffecting)
	assert.Equal(t, models.RiskLow, d.RiskLevel)
	assert.False(t, d.RequiresConfirmation)
}

func TestDescriptorFromForm_CheckoutIsHighRisk(t *testing.T) {
	form := models.ExtractedForm{Selector: "#checkout", Type: models.FormTypeCheckout,
		Fields: []models.FormField{{Name: "card_number", Type: "text", Required: true}}}

	d := descriptorFromForm(form, "")

	assert.Equal(t, models.RiskHigh, d.RiskLevel)
	assert.True(t, d.RequiresConfirmation)
	assert.True(t, d.RequiresAuth)
}

func TestValidateSchemas_DropsBrokenSchema(t *testing.T) {
	good := models.ActionDescriptor{Name: "good", JSONSchema: map[string]any{
		"$schema": jsonSchemaDialect, "type": "object",
	}}
	broken := models.ActionDescriptor{Name: "broken", JSONSchema: map[string]any{
		"type": 42, // type must be a string or array of strings
	}}
	noSchema := models.ActionDescriptor{Name: "plain"}

	out := validateSchemas([]models.ActionDescriptor{good, broken, noSchema})

	require.Len(t, out, 2)
	assert.Equal(t, "good", out[0].Name)
	assert.Equal(t, "plain", out[1].Name)
}

func TestDeriveCapabilities(t *testing.T) {
	actions := []models.ActionDescriptor{
		{Kind: models.ActionKindNavigation, Category: "commerce"},
		{Kind: models.ActionKindForm, Category: string(models.FormTypeBooking)},
		{Kind: models.ActionKindForm, Category: string(models.FormTypeContact)},
		{Kind: models.ActionKindForm, Category: string(models.FormTypeNewsletter)},
	}

	caps := deriveCapabilities(actions)

	assert.Equal(t, []string{"booking", "commerce", "contact", "navigation", "subscription"}, caps)
}

func TestDerivePrivacy_FlagsSensitiveFields(t *testing.T) {
	pages := []services.PageActions{{
		DocumentURL: "https://acme.example/login",
		Forms: []models.ExtractedForm{{
			Selector: "#login",
			Type:     models.FormTypeLogin,
			Fields: []models.FormField{
				{Name: "username", Type: "text"},
				{Name: "password", Type: "password"},
				{Name: "card_number", Type: "text"},
			},
		}},
	}}

	privacy := derivePrivacy(pages)

	assert.True(t, privacy.RedactInLogs)
	require.Len(t, privacy.SensitiveSelectors, 2)
	assert.Contains(t, privacy.SensitiveSelectors[0], "card_number")
	assert.Contains(t, privacy.SensitiveSelectors[1], "password")
}

func TestDerivePrivacy_ContactIdentifiersAreSensitive(t *testing.T) {
	pages := []services.PageActions{{
		DocumentURL: "https://acme.example/account",
		Forms: []models.ExtractedForm{{
			Selector: "#account",
			Type:     models.FormTypeRegistration,
			Fields: []models.FormField{
				{Name: "email", Type: "email"},
				{Name: "phone_number", Type: "tel"},
				{Name: "tax_id", Type: "text"},
				{Name: "company", Type: "text"},
			},
		}},
	}}

	privacy := derivePrivacy(pages)

	require.Len(t, privacy.SensitiveSelectors, 3)
	assert.Contains(t, privacy.SensitiveSelectors[0], "email")
	assert.Contains(t, privacy.SensitiveSelectors[1], "phone_number")
	assert.Contains(t, privacy.SensitiveSelectors[2], "tax_id")
}

func TestBuildManifest_CarriesSessionFinishTime(t *testing.T) {
	finished := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	pages := []services.PageActions{{
		DocumentURL: "https://acme.example/",
		Actions:     []models.ExtractedAction{navAction("pricing", "#nav-pricing")},
	}}

	manifest := buildManifest(uuid.New(), pages, finished)

	assert.Equal(t, finished, manifest.GeneratedAt)
	require.Len(t, manifest.Actions, 1)
	assert.Equal(t, []string{"navigation"}, manifest.Capabilities)

	// A zero timestamp falls back to the wall clock.
	fallback := buildManifest(uuid.New(), nil, time.Time{})
	assert.WithinDuration(t, time.Now(), fallback.GeneratedAt, time.Minute)
}

func TestRiskFor(t *testing.T) {
	assert.Equal(t, models.RiskLow, riskFor(models.SideEffectSafe, false))
	assert.Equal(t, models.RiskLow, riskFor(models.SideEffectRead, false))
	assert.Equal(t, models.RiskMedium, riskFor(models.SideEffectWrite, false))
	assert.Equal(t, models.RiskHigh, riskFor(models.SideEffectWrite, true))
}

func TestActionIDStable(t *testing.T) {
	a := actionID(models.ActionKindButton, "#buy")
	b := actionID(models.ActionKindButton, "#buy")
	c := actionID(models.ActionKindForm, "#buy")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
