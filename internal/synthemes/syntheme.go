package synthemes

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var titleCaser = cases.Title(language.English)

// Syntheme is a named, immutable theme definition describing how an input
// asset is transformed by the transcoding engine. All accessors return
// copies; there is no mutation path after load.
type Syntheme struct {
	name        string
	title       string
	description string
	extension   string
	contentType string
	inputs      []string
	args        []string
}

// Name returns the unique theme identifier.
func (s Syntheme) Name() string { return s.name }

// Title returns the display title, derived from the name when not declared.
func (s Syntheme) Title() string {
	if s.title != "" {
		return s.title
	}
	cleaned := strings.NewReplacer("-", " ", "_", " ").Replace(s.name)
	return titleCaser.String(cleaned)
}

// Description returns the human-readable theme description.
func (s Syntheme) Description() string { return s.description }

// Extension returns the output container extension without a leading dot.
func (s Syntheme) Extension() string { return s.extension }

// ContentType returns the content type of artifacts this theme produces.
func (s Syntheme) ContentType() string { return s.contentType }

// Inputs returns the accepted upload content types. Empty means any type
// the intake allow-list admits.
func (s Syntheme) Inputs() []string {
	return append([]string(nil), s.inputs...)
}

// Args returns the engine argument template placed between the input and
// output paths on the command line.
func (s Syntheme) Args() []string {
	return append([]string(nil), s.args...)
}

// Accepts reports whether the theme can consume an upload of contentType.
func (s Syntheme) Accepts(contentType string) bool {
	if len(s.inputs) == 0 {
		return true
	}
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	for _, accepted := range s.inputs {
		if strings.EqualFold(strings.TrimSpace(accepted), normalized) {
			return true
		}
	}
	return false
}
