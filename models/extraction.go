package models

import "time"

// ExtractionError records a non-fatal failure inside one sub-extractor.
// A partial result is always preferred over none.
type ExtractionError struct {
	Extractor string `json:"extractor"` // content, jsonld, actions, forms
	Message   string `json:"message"`
	Fragment  string `json:"fragment,omitempty"`
}

// Heading is one h1-h6 element with its anchor.
type Heading struct {
	Level  int    `json:"level"`
	Text   string `json:"text"`
	Anchor string `json:"anchor,omitempty"`
}

// Table captures headers, rows and caption of an HTML table.
type Table struct {
	Caption string     `json:"caption,omitempty"`
	Headers []string   `json:"headers,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
}

// AriaRegion is an ARIA landmark (explicit role or semantic tag).
type AriaRegion struct {
	Role     string `json:"role"`
	Label    string `json:"label,omitempty"`
	Content  string `json:"content"`
	Selector string `json:"selector"`
}

// ExtractedContent is the HTML content extractor's result.
type ExtractedContent struct {
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	CanonicalURL string       `json:"canonical_url"`
	Language     string       `json:"language,omitempty"`
	Headings     []Heading    `json:"headings,omitempty"`
	Paragraphs   []string     `json:"paragraphs,omitempty"`
	Tables       []Table      `json:"tables,omitempty"`
	Regions      []AriaRegion `json:"regions,omitempty"`
	CleanedText  string       `json:"cleaned_text"`
	Truncated    bool         `json:"truncated,omitempty"`

	Errors      []ExtractionError `json:"errors,omitempty"`
	ExtractedAt time.Time         `json:"extracted_at"`
}

// ExtractedEntity is one JSON-LD entity before persistence.
type ExtractedEntity struct {
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Confidence float64        `json:"confidence"`
	Labels     []string       `json:"labels,omitempty"`
}

// JSONLDResult is the JSON-LD extractor's result. Malformed blocks are
// isolated into Errors and never prevent extraction of siblings.
type JSONLDResult struct {
	Entities    []ExtractedEntity `json:"entities"`
	Errors      []ExtractionError `json:"errors,omitempty"`
	ExtractedAt time.Time         `json:"extracted_at"`
}

// ExtractedAction is one interactive element found in the DOM.
type ExtractedAction struct {
	Name                 string     `json:"name"`
	Kind                 ActionKind `json:"kind"`
	Label                string     `json:"label,omitempty"`
	Selector             string     `json:"selector"`
	Href                 string     `json:"href,omitempty"`
	Category             string     `json:"category,omitempty"`
	SideEffecting        SideEffect `json:"side_effecting"`
	RequiresConfirmation bool       `json:"requires_confirmation"`
}

// ActionsResult is the action extractor's result.
type ActionsResult struct {
	Actions     []ExtractedAction `json:"actions"`
	Errors      []ExtractionError `json:"errors,omitempty"`
	ExtractedAt time.Time         `json:"extracted_at"`
}

// FormType classifies an extracted form.
type FormType string

const (
	FormTypeContact      FormType = "contact"
	FormTypeSearch       FormType = "search"
	FormTypeNewsletter   FormType = "newsletter"
	FormTypeLogin        FormType = "login"
	FormTypeRegistration FormType = "registration"
	FormTypeCheckout     FormType = "checkout"
	FormTypeBooking      FormType = "booking"
	FormTypeFeedback     FormType = "feedback"
	FormTypeOther        FormType = "other"
)

// FormFieldValidation mirrors the HTML validation attributes of a field.
type FormFieldValidation struct {
	Required  bool   `json:"required,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
	Min       string `json:"min,omitempty"`
	Max       string `json:"max,omitempty"`
	MinLength *int   `json:"min_length,omitempty"`
	MaxLength *int   `json:"max_length,omitempty"`
	Email     bool   `json:"email,omitempty"`
	URL       bool   `json:"url,omitempty"`
}

// FormField is one input/select/textarea within a form.
type FormField struct {
	Name       string              `json:"name"`
	Type       string              `json:"type"`
	Label      string              `json:"label,omitempty"`
	Required   bool                `json:"required"`
	Disabled   bool                `json:"disabled,omitempty"`
	ReadOnly   bool                `json:"read_only,omitempty"`
	Options    []string            `json:"options,omitempty"`
	Validation FormFieldValidation `json:"validation"`
}

// ExtractedForm is one <form> with classified type and fields.
type ExtractedForm struct {
	Name     string      `json:"name,omitempty"`
	Selector string      `json:"selector"`
	Action   string      `json:"action,omitempty"`
	Method   string      `json:"method,omitempty"`
	Type     FormType    `json:"type"`
	Fields   []FormField `json:"fields"`
}

// FormsResult is the form extractor's result.
type FormsResult struct {
	Forms       []ExtractedForm   `json:"forms"`
	Errors      []ExtractionError `json:"errors,omitempty"`
	ExtractedAt time.Time         `json:"extracted_at"`
}

// PageExtraction bundles every sub-extractor result for one fetched page.
type PageExtraction struct {
	Content *ExtractedContent `json:"content"`
	JSONLD  *JSONLDResult     `json:"jsonld"`
	Actions *ActionsResult    `json:"actions"`
	Forms   *FormsResult      `json:"forms"`
}

// AllErrors flattens every sub-extractor error list.
func (p *PageExtraction) AllErrors() []ExtractionError {
	var out []ExtractionError
	if p.Content != nil {
		out = append(out, p.Content.Errors...)
	}
	if p.JSONLD != nil {
		out = append(out, p.JSONLD.Errors...)
	}
	if p.Actions != nil {
		out = append(out, p.Actions.Errors...)
	}
	if p.Forms != nil {
		out = append(out, p.Forms.Errors...)
	}
	return out
}
