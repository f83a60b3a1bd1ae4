package unit

import (
	"fmt"
	"strings"
)

// cleanEnds are the suffixes a finished draft may end with.
var cleanEnds = []string{".", "!", "?", `"`, "'", "```", "}", "]", ")", "_", "*"}

// LocalReview runs the checks that need no remote call, in order. It
// returns revision feedback for the first failed check, or "" if the draft
// passes all of them.
func LocalReview(draft string, targetChars int) string {
	if len(draft) < targetChars {
		return fmt.Sprintf("LOW EFFORT: The expanded text is only %d characters long, "+
			"which is below the strict requirement of %d characters. "+
			"Produce a much longer expansion: add derivations, worked problems and [NEW_DIAGRAM: ...] tags.",
			len(draft), targetChars)
	}

	trimmed := strings.TrimSpace(draft)
	if !endsClean(trimmed) {
		tail := trimmed
		if len(tail) > 10 {
			tail = tail[len(tail)-10:]
		}
		return fmt.Sprintf("TRUNCATED: The text cuts off at the end (%q). "+
			"You likely hit the output token limit. Rewrite the ending so it finishes cleanly.",
			strings.ReplaceAll(tail, "\n", " "))
	}

	if strings.Contains(draft, "```markdown") || strings.HasPrefix(trimmed, "```") {
		return "ARTIFACT: Remove ```markdown code fences from the output."
	}
	return ""
}

func endsClean(s string) bool {
	for _, end := range cleanEnds {
		if strings.HasSuffix(s, end) {
			return true
		}
	}
	return false
}

// StripFences removes a leading ```markdown (or bare ```) fence and a
// trailing ``` fence that wrap the whole response.
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	for _, open := range []string{"```markdown", "```md", "```"} {
		if strings.HasPrefix(t, open) {
			t = strings.TrimPrefix(t, open)
			t = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "```"))
			return t
		}
	}
	return t
}
