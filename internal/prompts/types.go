// Package prompts provides prompt management with embedded defaults and
// on-disk overrides.
//
// Resolution order for a key:
//  1. Override file in the prompts directory (<dir>/<key>.tmpl), if present
//  2. Embedded default (from .tmpl files compiled into the binary)
//
// Prompt text is a Go text/template rendered with Vars.
package prompts

// Keys for the built-in prompts.
const (
	KeyPlan      = "expansion.plan"
	KeyDraft     = "expansion.draft"
	KeyCritic    = "expansion.critic"
	KeyStructure = "structuring.section"
)

// Vars are the values available to prompt templates.
type Vars struct {
	BookSubject   string
	BookPersona   string
	AcademicLevel string
	TargetChars   int
	Syllabus      string
}

// DefaultVars returns the values used when a run does not set them.
func DefaultVars() Vars {
	return Vars{
		BookSubject:   "Engineering",
		BookPersona:   "Elite Professor specializing in the subject matter",
		AcademicLevel: "Undergraduate Course",
		TargetChars:   8000,
		Syllabus:      "No syllabus provided.",
	}
}

// EmbeddedPrompt represents a prompt loaded from an embedded .tmpl file.
type EmbeddedPrompt struct {
	Key         string   `json:"key"`
	Text        string   `json:"text"`
	Description string   `json:"description"`
	Variables   []string `json:"variables"`
	Hash        string   `json:"hash"`
}

// ResolvedPrompt is the result of resolving a prompt key.
type ResolvedPrompt struct {
	Key        string   `json:"key"`
	Text       string   `json:"text"`
	Variables  []string `json:"variables,omitempty"`
	IsOverride bool     `json:"is_override"`
	Hash       string   `json:"hash"`
}
