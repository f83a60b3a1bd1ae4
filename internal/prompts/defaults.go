package prompts

import (
	_ "embed"
)

//go:embed templates/plan.tmpl
var planPrompt string

//go:embed templates/draft.tmpl
var draftPrompt string

//go:embed templates/critic.tmpl
var criticPrompt string

//go:embed templates/structure.tmpl
var structurePrompt string

// RegisterDefaults registers the built-in prompts with r.
func RegisterDefaults(r *Resolver) {
	r.Register(EmbeddedPrompt{
		Key:         KeyPlan,
		Text:        planPrompt,
		Description: "Expansion planner system prompt - produces a bulleted plan for one unit",
	})
	r.Register(EmbeddedPrompt{
		Key:         KeyDraft,
		Text:        draftPrompt,
		Description: "Drafter system prompt - expands one unit following the plan",
	})
	r.Register(EmbeddedPrompt{
		Key:         KeyCritic,
		Text:        criticPrompt,
		Description: "Critic system prompt - replies APPROVED or with revision feedback",
	})
	r.Register(EmbeddedPrompt{
		Key:         KeyStructure,
		Text:        structurePrompt,
		Description: "Structurer system prompt - converts a section into book-structure JSON",
	})
}
