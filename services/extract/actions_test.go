package extract

import (
	"testing"

	"github.com/sitespeak/kb-engine/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const actionsPage = `<html><body>
  <nav>
    <a href="/pricing">See Pricing</a>
    <a href="https://other.example/away">External</a>
    <a href="#section">Skip link</a>
  </nav>
  <button id="add-to-cart">Add to Cart</button>
  <button class="btn btn-danger">Delete my account</button>
  <input type="submit" value="Send Message">
  <div data-sitespeak-action="open-chat" aria-label="Chat with us"></div>
  <form id="contact-form" method="post" action="/contact">
    <input type="email" name="email" required>
  </form>
</body></html>`

func findAction(t *testing.T, actions []models.ExtractedAction, name string) models.ExtractedAction {
	t.Helper()
	for _, a := range actions {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("action %q not found", name)
	return models.ExtractedAction{}
}

func TestActions_Navigation(t *testing.T) {
	result := Actions(actionsPage, "https://acme.example/home")

	nav := findAction(t, result.Actions, "see-pricing")
	assert.Equal(t, models.ActionKindNavigation, nav.Kind)
	assert.Equal(t, "https://acme.example/pricing", nav.Href)
	assert.Equal(t, models.SideEffectSafe, nav.SideEffecting)
	assert.Equal(t, "commerce", nav.Category)

	// Fragment-only links are not navigation actions.
	for _, a := range result.Actions {
		assert.NotEqual(t, "skip-link", a.Name)
	}
}

func TestActions_ButtonClassification(t *testing.T) {
	result := Actions(actionsPage, "https://acme.example/home")

	cart := findAction(t, result.Actions, "add-to-cart")
	assert.Equal(t, models.ActionKindButton, cart.Kind)
	assert.Equal(t, "#add-to-cart", cart.Selector)
	assert.Equal(t, "commerce", cart.Category)
	assert.Equal(t, models.SideEffectWrite, cart.SideEffecting)

	del := findAction(t, result.Actions, "delete-my-account")
	assert.Equal(t, models.SideEffectWrite, del.SideEffecting)
	assert.True(t, del.RequiresConfirmation)
	assert.Equal(t, "button.btn.btn-danger", del.Selector)
}

func TestActions_SubmitInputUsesValue(t *testing.T) {
	result := Actions(actionsPage, "https://acme.example/home")

	send := findAction(t, result.Actions, "send-message")
	assert.Equal(t, models.ActionKindButton, send.Kind)
	assert.Equal(t, models.SideEffectWrite, send.SideEffecting)
	assert.Equal(t, "contact", send.Category)
}

func TestActions_DataAttribute(t *testing.T) {
	result := Actions(actionsPage, "https://acme.example/home")

	chat := findAction(t, result.Actions, "open-chat")
	assert.Equal(t, models.ActionKindCustom, chat.Kind)
	assert.Equal(t, `[data-action="open-chat"]`, chat.Selector)
	assert.Equal(t, "Chat with us", chat.Label)
}

func TestActions_Form(t *testing.T) {
	result := Actions(actionsPage, "https://acme.example/home")

	form := findAction(t, result.Actions, "contact-form")
	assert.Equal(t, models.ActionKindForm, form.Kind)
	assert.Equal(t, "#contact-form", form.Selector)
	assert.Equal(t, models.SideEffectWrite, form.SideEffecting)
}

func TestActions_DedupedBySelectorAndKind(t *testing.T) {
	html := `<html><body>
	  <button id="dup">Buy now</button>
	</body></html>`
	result := Actions(html+html, "https://acme.example")
	count := 0
	for _, a := range result.Actions {
		if a.Selector == "#dup" && a.Kind == models.ActionKindButton {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestBuildSelectorPrecedence(t *testing.T) {
	result := Actions(`<html><body>
	  <button id="with-id" name="n" class="c">A</button>
	  <button name="with-name" class="c">B</button>
	  <button data-action="with-data" class="c">C</button>
	  <button class="primary large extra">D</button>
	</body></html>`, "https://acme.example")

	require.NotEmpty(t, result.Actions)
	selectors := make(map[string]string)
	for _, a := range result.Actions {
		selectors[a.Label] = a.Selector
	}
	assert.Equal(t, "#with-id", selectors["A"])
	assert.Equal(t, `button[name="with-name"]`, selectors["B"])
	assert.Equal(t, `[data-action="with-data"]`, selectors["C"])
	// Class path keeps at most two classes.
	assert.Equal(t, "button.primary.large", selectors["D"])
}
