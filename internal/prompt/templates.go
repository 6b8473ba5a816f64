package prompt

import (
	"strings"

	"github.com/antoniostano/lilith/internal/transcript"
)

// Instruction templates for the memory compactor. They are plain text because
// the backend is a raw completion model, not a chat endpoint.
const (
	summaryInstruction = `You are an understanding friend. Using the conversation above and your previous impression of the user, write your updated impression of the user.
Requirements: be rigorous and coherent, keep a human touch, and capture what helps you understand the user's real character. Do not reveal that you are an AI.`

	episodeInstruction = `You are an understanding friend. Summarize the important events from the conversation above so you can remember them later.
Requirements: be rigorous and coherent, keep a human touch. Do not reveal that you are an AI.`
)

// SummaryPrompt builds the compaction prompt from the recent transcript and
// the previous summary. An absent previous summary drops that section.
func SummaryPrompt(recent []transcript.Turn, previous string) string {
	var sb strings.Builder
	sb.WriteString("Conversation history:\n")
	sb.WriteString(transcript.Render(recent))
	sb.WriteString("\n\n")
	if p := strings.TrimSpace(previous); p != "" {
		sb.WriteString("Previous impression of the user:\n")
		sb.WriteString(p)
		sb.WriteString("\n\n")
	}
	sb.WriteString(summaryInstruction)
	sb.WriteString("\n\nImpression:")
	return sb.String()
}

// EpisodePrompt builds the prompt for extracting an episodic memory.
func EpisodePrompt(recent []transcript.Turn) string {
	var sb strings.Builder
	sb.WriteString("Conversation history:\n")
	sb.WriteString(transcript.Render(recent))
	sb.WriteString("\n\n")
	sb.WriteString(episodeInstruction)
	sb.WriteString("\n\nEvents:")
	return sb.String()
}
