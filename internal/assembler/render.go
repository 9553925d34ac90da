package assembler

import (
	"fmt"
	"strings"
)

// renderStructured emits a turn-list style block with explicit section
// headers per layer, suited to providers that benefit from clear structure
// in the system/context portion of a prompt.
func renderStructured(a *Assembled) string {
	var b strings.Builder

	if len(a.Background.Facts) > 0 {
		b.WriteString("## Known Facts\n")
		for _, f := range a.Background.Facts {
			b.WriteString(fmt.Sprintf("- [%s] %s: %s\n", f.Category, f.Key, f.Value))
		}
		b.WriteString("\n")
	}

	if len(a.Episodic.Episodes) > 0 {
		b.WriteString("## Past Episodes\n")
		for _, e := range a.Episodic.Episodes {
			b.WriteString(fmt.Sprintf("- %s: %s\n", e.Topic, e.Summary))
		}
		b.WriteString("\n")
	}

	if len(a.Relevant.Snippets) > 0 {
		b.WriteString("## Relevant History\n")
		for _, r := range a.Relevant.Snippets {
			b.WriteString(fmt.Sprintf("- (%s) %s\n", r.CreatedAt.Format("2006-01-02"), r.Snippet))
		}
		b.WriteString("\n")
	}

	if len(a.Recent.Messages) > 0 {
		b.WriteString("## Recent Conversation\n")
		for _, m := range a.Recent.Messages {
			b.WriteString(fmt.Sprintf("[%s] %s\n", m.Role, m.Text))
		}
		b.WriteString("\n")
	}

	if len(a.Immediate.Messages) > 0 {
		b.WriteString("## Current Turn\n")
		for _, m := range a.Immediate.Messages {
			b.WriteString(fmt.Sprintf("[%s] %s\n", m.Role, m.Text))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// renderCompact emits the same material as flat, unlabeled prose, trading
// structure for lower token overhead.
func renderCompact(a *Assembled) string {
	var parts []string

	for _, f := range a.Background.Facts {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Key, f.Value))
	}
	for _, e := range a.Episodic.Episodes {
		parts = append(parts, e.Summary)
	}
	for _, r := range a.Relevant.Snippets {
		parts = append(parts, r.Snippet)
	}
	for _, m := range a.Recent.Messages {
		parts = append(parts, m.Text)
	}
	for _, m := range a.Immediate.Messages {
		parts = append(parts, m.Text)
	}

	return strings.Join(parts, " ")
}
