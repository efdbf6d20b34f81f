package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sitespeak/kb-engine/models"
)

// formTypeSignals is checked in order; the first match classifies a form.
var formTypeSignals = []struct {
	re       *regexp.Regexp
	formType models.FormType
}{
	{regexp.MustCompile(`(?i)\b(login|log in|sign in|password)\b`), models.FormTypeLogin},
	{regexp.MustCompile(`(?i)\b(register|sign up|signup|create account)\b`), models.FormTypeRegistration},
	{regexp.MustCompile(`(?i)\b(checkout|payment|billing|card number)\b`), models.FormTypeCheckout},
	{regexp.MustCompile(`(?i)\b(book|booking|reserve|reservation|appointment)\b`), models.FormTypeBooking},
	{regexp.MustCompile(`(?i)\b(newsletter|subscribe)\b`), models.FormTypeNewsletter},
	{regexp.MustCompile(`(?i)\b(search|find)\b`), models.FormTypeSearch},
	{regexp.MustCompile(`(?i)\b(feedback|review|rating)\b`), models.FormTypeFeedback},
	{regexp.MustCompile(`(?i)\b(contact|message|enquir|inquir)\b`), models.FormTypeContact},
}

// Forms extracts every <form> with typed fields and a classified type.
func Forms(html string) *models.FormsResult {
	result := &models.FormsResult{ExtractedAt: time.Now().UTC()}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		result.Errors = append(result.Errors, models.ExtractionError{
			Extractor: "forms", Message: "parse failed: " + err.Error(),
		})
		return result
	}

	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		form := models.ExtractedForm{
			Selector: BuildSelector(s),
		}
		form.Name, _ = s.Attr("name")
		form.Action, _ = s.Attr("action")
		if method, ok := s.Attr("method"); ok {
			form.Method = strings.ToUpper(method)
		} else {
			form.Method = "GET"
		}

		s.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
			f := extractField(doc, field)
			if f != nil {
				form.Fields = append(form.Fields, *f)
			}
		})

		form.Type = classifyForm(s, form)
		result.Forms = append(result.Forms, form)
	})

	return result
}

func extractField(doc *goquery.Document, s *goquery.Selection) *models.FormField {
	fieldType, _ := s.Attr("type")
	switch goquery.NodeName(s) {
	case "select":
		fieldType = "select"
	case "textarea":
		fieldType = "textarea"
	default:
		if fieldType == "" {
			fieldType = "text"
		}
	}
	if fieldType == "hidden" || fieldType == "submit" || fieldType == "button" {
		return nil
	}

	name, _ := s.Attr("name")
	if name == "" {
		name, _ = s.Attr("id")
	}

	field := &models.FormField{
		Name:  name,
		Type:  fieldType,
		Label: fieldLabel(doc, s),
	}
	_, field.Required = s.Attr("required")
	_, field.Disabled = s.Attr("disabled")
	_, field.ReadOnly = s.Attr("readonly")

	field.Validation = models.FormFieldValidation{
		Required: field.Required,
		Email:    fieldType == "email",
		URL:      fieldType == "url",
	}
	if pattern, ok := s.Attr("pattern"); ok {
		field.Validation.Pattern = pattern
	}
	if v, ok := s.Attr("min"); ok {
		field.Validation.Min = v
	}
	if v, ok := s.Attr("max"); ok {
		field.Validation.Max = v
	}
	if v, ok := s.Attr("minlength"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			field.Validation.MinLength = &n
		}
	}
	if v, ok := s.Attr("maxlength"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			field.Validation.MaxLength = &n
		}
	}

	if fieldType == "select" {
		s.Find("option").Each(func(_ int, opt *goquery.Selection) {
			text := normalizeSpace(opt.Text())
			if text != "" {
				field.Options = append(field.Options, text)
			}
		})
	}

	return field
}

// fieldLabel resolves a human label: <label for=>, enclosing <label>,
// aria-label, then placeholder.
func fieldLabel(doc *goquery.Document, s *goquery.Selection) string {
	if id, ok := s.Attr("id"); ok && id != "" {
		if label := doc.Find(`label[for="` + id + `"]`).First(); label.Length() > 0 {
			return normalizeSpace(label.Text())
		}
	}
	if parent := s.ParentsFiltered("label").First(); parent.Length() > 0 {
		return normalizeSpace(parent.Text())
	}
	if label, ok := s.Attr("aria-label"); ok && label != "" {
		return normalizeSpace(label)
	}
	if placeholder, ok := s.Attr("placeholder"); ok {
		return normalizeSpace(placeholder)
	}
	return ""
}

func classifyForm(s *goquery.Selection, form models.ExtractedForm) models.FormType {
	// Password fields dominate all text signals.
	hasPassword := false
	hasEmail := false
	fieldCount := 0
	for _, f := range form.Fields {
		fieldCount++
		switch f.Type {
		case "password":
			hasPassword = true
		case "email":
			hasEmail = true
		}
	}
	signalText := strings.Join([]string{form.Name, form.Action, s.Text()}, " ")
	if hasPassword {
		if regexp.MustCompile(`(?i)\b(register|sign up|signup|confirm)\b`).MatchString(signalText) {
			return models.FormTypeRegistration
		}
		return models.FormTypeLogin
	}
	for _, sig := range formTypeSignals {
		if sig.re.MatchString(signalText) {
			return sig.formType
		}
	}
	if hasEmail && fieldCount == 1 {
		return models.FormTypeNewsletter
	}
	return models.FormTypeOther
}
