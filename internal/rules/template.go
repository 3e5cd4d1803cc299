package rules

import (
	"fmt"
	"strings"

	"scrumbringer/internal/domain"
)

// PlaceholderFather expands to a back-reference to the triggering task.
const PlaceholderFather = "{{father}}"

// FatherRef is the stable textual reference substituted for {{father}}:
// enough for a human reader to trace a derived task back to its source.
func FatherRef(source domain.Task) string {
	return fmt.Sprintf("[Task #%d] %s", source.ID, source.Title)
}

// Render substitutes known placeholders in a template title with values
// derived from the source task. Unrecognized placeholders pass through
// unchanged.
func Render(template string, source domain.Task) string {
	return strings.ReplaceAll(template, PlaceholderFather, FatherRef(source))
}
