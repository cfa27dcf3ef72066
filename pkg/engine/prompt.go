package engine

import (
	"strings"

	"github.com/yanzhao77/ModelForge/pkg/backend"
	"github.com/yanzhao77/ModelForge/pkg/store"
)

const (
	userPrefix      = "User: "
	assistantPrefix = "Assistant: "

	// truncationMarker prefixes a prompt whose history was cut.
	truncationMarker = "[content truncated]..."

	// promptHeadroom is the token margin that triggers truncation:
	// prompts within contextLimit-promptHeadroom pass through intact.
	promptHeadroom = 100

	// deepKeepMargin leaves extra room for deep mode's longer
	// reasoning output when cutting the prompt.
	deepKeepMargin = 200
)

// renderPrompt serializes turns into the alternating chat transcript
// the backends are tuned for, ending with an open assistant cue.
func renderPrompt(turns []store.Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		switch turn.Role {
		case store.RoleAssistant:
			b.WriteString(assistantPrefix)
		default:
			b.WriteString(userPrefix)
		}
		b.WriteString(turn.Content)
		b.WriteByte('\n')
	}
	b.WriteString(assistantPrefix)
	return b.String()
}

// fitPrompt truncates the prompt to the backend's context window,
// keeping the leading tokens and marking the cut. The keep budget is
// tighter in deep mode to leave room for longer generations.
func fitPrompt(b backend.Backend, prompt string, mode backend.Mode) string {
	limit := b.ContextLimit()
	if b.CountTokens(prompt) <= limit-promptHeadroom {
		return prompt
	}

	keep := limit - promptHeadroom
	if mode == backend.ModeDeep {
		keep = limit - deepKeepMargin
	}
	if keep < 1 {
		keep = 1
	}
	return truncationMarker + "\n" + b.Truncate(prompt, keep)
}
