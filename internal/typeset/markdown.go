package typeset

import (
	"fmt"
	"strings"

	"github.com/jackzampolin/tome/internal/structure"
)

// Meta is the book-level information rendered on the title page.
type Meta struct {
	Title    string
	Subtitle string
}

// RenderMarkdown lays out chapters as a single Markdown document.
func RenderMarkdown(chapters []structure.Chapter, meta Meta) string {
	var b strings.Builder
	if meta.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", meta.Title)
		if meta.Subtitle != "" {
			fmt.Fprintf(&b, "_%s_\n\n", meta.Subtitle)
		}
	}
	for i, ch := range chapters {
		if i > 0 || meta.Title != "" {
			b.WriteString("---\n\n")
		}
		if ch.Title != nil && strings.TrimSpace(*ch.Title) != "" {
			fmt.Fprintf(&b, "# %s\n\n", strings.TrimSpace(*ch.Title))
		}
		writeBlocks(&b, ch.Sections)
	}
	return strings.TrimSpace(b.String()) + "\n"
}

func writeBlocks(b *strings.Builder, blocks []structure.Block) {
	for _, blk := range blocks {
		switch blk.Type {
		case structure.TypeHeading:
			level := min(max(blk.Level, 1), 6)
			fmt.Fprintf(b, "%s %s\n\n", strings.Repeat("#", level), blk.Text)
		case structure.TypeParagraph:
			if t := strings.TrimSpace(blk.Text); t != "" {
				b.WriteString(t + "\n\n")
			}
		case structure.TypeEquation:
			b.WriteString(displayMath(blk.Math) + "\n\n")
		case structure.TypeList:
			for _, item := range blk.Items {
				fmt.Fprintf(b, "- %s\n", item)
			}
			b.WriteString("\n")
		case structure.TypeImage:
			fmt.Fprintf(b, "![%s](%s)\n\n", blk.Caption, blk.Path)
		case structure.TypeExampleProblem:
			title := blk.Title
			if title == "" {
				title = "Example"
			}
			fmt.Fprintf(b, "> **%s**\n>\n> %s\n\n", title, blk.ProblemStatement)
			if len(blk.SolutionSteps) > 0 {
				b.WriteString("**Solution.**\n\n")
				for i, step := range blk.SolutionSteps {
					fmt.Fprintf(b, "%d. %s\n", i+1, inlineStep(step))
				}
				b.WriteString("\n")
			}
		default:
			if t := strings.TrimSpace(blk.Text); t != "" {
				b.WriteString(t + "\n\n")
			}
		}
	}
}

// inlineStep flattens a solution step onto one list item line.
func inlineStep(step []structure.Block) string {
	parts := make([]string, 0, len(step))
	for _, blk := range step {
		switch {
		case blk.Math != "":
			parts = append(parts, blk.Math)
		case blk.Text != "":
			parts = append(parts, blk.Text)
		}
	}
	return strings.Join(parts, " ")
}

// displayMath normalises an equation to $$ delimiters.
func displayMath(m string) string {
	m = strings.TrimSpace(m)
	m = strings.TrimPrefix(strings.TrimSuffix(m, "$$"), "$$")
	m = strings.TrimPrefix(strings.TrimSuffix(m, "$"), "$")
	return "$$ " + strings.TrimSpace(m) + " $$"
}
