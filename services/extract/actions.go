package extract

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sitespeak/kb-engine/models"
)

var (
	destructiveRe = regexp.MustCompile(`(?i)\b(delete|remove|cancel|unsubscribe|deactivate|clear)\b`)
	paymentRe     = regexp.MustCompile(`(?i)\b(pay|purchase|buy|checkout|order|subscribe)\b`)
	writeVerbRe   = regexp.MustCompile(`(?i)\b(submit|send|save|add|create|update|register|sign up|book|reserve)\b`)
	slugCleanRe   = regexp.MustCompile(`[^a-z0-9]+`)
)

// actionCategories maps trigger keywords to the manifest category.
var actionCategories = []struct {
	re       *regexp.Regexp
	category string
}{
	{regexp.MustCompile(`(?i)\b(buy|cart|checkout|shop|order|price)\b`), "commerce"},
	{regexp.MustCompile(`(?i)\b(book|reserve|appointment|schedule|availability)\b`), "booking"},
	{regexp.MustCompile(`(?i)\b(contact|message|enquir|inquir|call us|email)\b`), "contact"},
	{regexp.MustCompile(`(?i)\b(search|find|filter)\b`), "search"},
	{regexp.MustCompile(`(?i)\b(login|log in|sign in|account|register|sign up)\b`), "account"},
	{regexp.MustCompile(`(?i)\b(download|pdf|brochure)\b`), "download"},
}

// Actions discovers interactive elements: buttons, submit inputs, links,
// forms and anything carrying a data-action / data-sitespeak-action
// attribute.
func Actions(html, canonicalURL string) *models.ActionsResult {
	result := &models.ActionsResult{ExtractedAt: time.Now().UTC()}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		result.Errors = append(result.Errors, models.ExtractionError{
			Extractor: "actions", Message: "parse failed: " + err.Error(),
		})
		return result
	}

	base, _ := url.Parse(canonicalURL)
	seen := make(map[string]bool)

	add := func(a models.ExtractedAction) {
		key := a.Selector + "|" + string(a.Kind)
		if a.Selector == "" || seen[key] {
			return
		}
		seen[key] = true
		result.Actions = append(result.Actions, a)
	}

	doc.Find("[data-action], [data-sitespeak-action]").Each(func(_ int, s *goquery.Selection) {
		name, _ := dataAction(s)
		label := elementLabel(s)
		add(models.ExtractedAction{
			Name:                 slugify(name),
			Kind:                 models.ActionKindCustom,
			Label:                label,
			Selector:             BuildSelector(s),
			Category:             classifyAction(name + " " + label),
			SideEffecting:        inferSideEffect(label, models.ActionKindCustom),
			RequiresConfirmation: needsConfirmation(label),
		})
	})

	doc.Find(`button, input[type="submit"], input[type="button"]`).Each(func(_ int, s *goquery.Selection) {
		label := elementLabel(s)
		if label == "" {
			return
		}
		add(models.ExtractedAction{
			Name:                 slugify(label),
			Kind:                 models.ActionKindButton,
			Label:                label,
			Selector:             BuildSelector(s),
			Category:             classifyAction(label),
			SideEffecting:        inferSideEffect(label, models.ActionKindButton),
			RequiresConfirmation: needsConfirmation(label),
		})
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		label := elementLabel(s)
		if label == "" || href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		resolved := resolveHref(base, href)
		if resolved == "" {
			return
		}
		add(models.ExtractedAction{
			Name:          slugify(label),
			Kind:          models.ActionKindNavigation,
			Label:         label,
			Selector:      BuildSelector(s),
			Href:          resolved,
			Category:      classifyAction(label),
			SideEffecting: models.SideEffectSafe, // links navigate, they never mutate
		})
	})

	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		label := formLabel(s)
		add(models.ExtractedAction{
			Name:                 slugify(label),
			Kind:                 models.ActionKindForm,
			Label:                label,
			Selector:             BuildSelector(s),
			Category:             classifyAction(label + " " + s.Text()),
			SideEffecting:        models.SideEffectWrite,
			RequiresConfirmation: needsConfirmation(s.Text()),
		})
	})

	return result
}

func elementLabel(s *goquery.Selection) string {
	if label, ok := s.Attr("aria-label"); ok && label != "" {
		return normalizeSpace(label)
	}
	if v, ok := s.Attr("value"); ok && v != "" && goquery.NodeName(s) == "input" {
		return normalizeSpace(v)
	}
	if title, ok := s.Attr("title"); ok && title != "" && strings.TrimSpace(s.Text()) == "" {
		return normalizeSpace(title)
	}
	text := normalizeSpace(s.Text())
	if len(text) > 80 {
		text = text[:80]
	}
	return text
}

func formLabel(s *goquery.Selection) string {
	if label, ok := s.Attr("aria-label"); ok && label != "" {
		return normalizeSpace(label)
	}
	if name, ok := s.Attr("name"); ok && name != "" {
		return name
	}
	if id, ok := s.Attr("id"); ok && id != "" {
		return id
	}
	if legend := normalizeSpace(s.Find("legend").First().Text()); legend != "" {
		return legend
	}
	return "form"
}

func classifyAction(text string) string {
	for _, c := range actionCategories {
		if c.re.MatchString(text) {
			return c.category
		}
	}
	return "general"
}

// inferSideEffect classifies mutation risk from the visible text.
// Destructive verbs imply write; forms are write by construction; links
// are always safe.
func inferSideEffect(label string, kind models.ActionKind) models.SideEffect {
	switch {
	case kind == models.ActionKindNavigation:
		return models.SideEffectSafe
	case destructiveRe.MatchString(label), paymentRe.MatchString(label), writeVerbRe.MatchString(label):
		return models.SideEffectWrite
	case kind == models.ActionKindForm:
		return models.SideEffectWrite
	default:
		return models.SideEffectRead
	}
}

func needsConfirmation(text string) bool {
	return destructiveRe.MatchString(text) || paymentRe.MatchString(text)
}

func resolveHref(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func slugify(s string) string {
	slug := slugCleanRe.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 60 {
		slug = slug[:60]
	}
	if slug == "" {
		slug = "action"
	}
	return slug
}
