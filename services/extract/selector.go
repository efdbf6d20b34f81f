package extract

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxSelectorDepth caps structural paths so selectors stay resilient to
// small DOM changes.
const maxSelectorDepth = 5

// BuildSelector generates a stable CSS selector for an element.
// Precedence: id > name > data-action > class path > structural path.
func BuildSelector(sel *goquery.Selection) string {
	if sel == nil || sel.Length() == 0 {
		return ""
	}

	if id, ok := sel.Attr("id"); ok && id != "" {
		return "#" + id
	}
	if name, ok := sel.Attr("name"); ok && name != "" {
		return fmt.Sprintf("%s[name=%q]", nodeName(sel), name)
	}
	if action, ok := dataAction(sel); ok {
		return fmt.Sprintf("[data-action=%q]", action)
	}
	if classes, ok := sel.Attr("class"); ok && strings.TrimSpace(classes) != "" {
		parts := strings.Fields(classes)
		if len(parts) > 2 {
			parts = parts[:2]
		}
		return nodeName(sel) + "." + strings.Join(parts, ".")
	}

	return structuralPath(sel)
}

// structuralPath walks up the tree emitting tag:nth-of-type segments,
// stopping at an id anchor or after maxSelectorDepth levels.
func structuralPath(sel *goquery.Selection) string {
	var segments []string
	current := sel
	for depth := 0; depth < maxSelectorDepth && current.Length() > 0; depth++ {
		tag := nodeName(current)
		if tag == "" || tag == "html" || tag == "body" {
			break
		}
		if id, ok := current.Attr("id"); ok && id != "" {
			segments = append([]string{"#" + id}, segments...)
			break
		}
		index := current.PrevAllFiltered(tag).Length() + 1
		segments = append([]string{fmt.Sprintf("%s:nth-of-type(%d)", tag, index)}, segments...)
		current = current.Parent()
	}
	return strings.Join(segments, " > ")
}

func dataAction(sel *goquery.Selection) (string, bool) {
	if v, ok := sel.Attr("data-sitespeak-action"); ok && v != "" {
		return v, true
	}
	if v, ok := sel.Attr("data-action"); ok && v != "" {
		return v, true
	}
	return "", false
}

func nodeName(sel *goquery.Selection) string {
	return strings.ToLower(goquery.NodeName(sel))
}
