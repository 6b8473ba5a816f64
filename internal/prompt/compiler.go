// Package prompt turns persona, summary and recent turns into the exact text
// handed to the backend.
package prompt

import (
	"strings"

	"github.com/antoniostano/lilith/internal/transcript"
)

const summaryHeading = "Summary of earlier conversation:"

// Compiler is a pure function of its inputs. The layout is fixed:
//
//	<persona>
//	                                   (blank line)
//	Summary of earlier conversation:
//	<summary>
//	                                   (blank line)
//	<role>: <text>                     (one line per history turn)
//	user: <input>
//	assistant: <generation starts here>
//
// Empty persona and empty or disabled summary sections are omitted together
// with their separating blank line. The current input is always the last
// line before the assistant cue, so the prompt always ends with the cue.
type Compiler struct {
	IncludeSummary bool
}

func NewCompiler(includeSummary bool) Compiler {
	return Compiler{IncludeSummary: includeSummary}
}

func (c Compiler) Compile(persona, summary string, history []transcript.Turn, userInput string) string {
	var sections []string
	if p := strings.TrimSpace(persona); p != "" {
		sections = append(sections, p)
	}
	if s := strings.TrimSpace(summary); c.IncludeSummary && s != "" {
		sections = append(sections, summaryHeading+"\n"+s)
	}

	turns := make([]transcript.Turn, 0, len(history)+1)
	turns = append(turns, history...)
	turns = append(turns, transcript.Turn{Role: transcript.RoleUser, Text: userInput})
	sections = append(sections, transcript.RenderPrompt(turns))

	return strings.Join(sections, "\n\n")
}
