package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yanzhao77/ModelForge/pkg/backend"
)

var blankRuns = regexp.MustCompile(`\n{3,}`)

// reasoningCues mark reasoning-step lines in deep-mode output. A line
// containing any cue gets a stage marker.
var reasoningCues = []string{"step", "analysis"}

// postProcess cleans raw backend output per decoding mode.
func postProcess(mode backend.Mode, text string) string {
	if mode == backend.ModeDeep {
		return deepPostProcess(text)
	}
	return fastPostProcess(text)
}

// fastPostProcess strips the text and collapses runs of three or more
// newlines to paragraph breaks.
func fastPostProcess(text string) string {
	return blankRuns.ReplaceAllString(strings.TrimSpace(text), "\n\n")
}

// deepPostProcess extracts the answer from transcript-shaped output
// and marks reasoning stages. Some backends echo the prompt; the
// answer is whatever follows the last assistant cue after the last
// user cue.
func deepPostProcess(text string) string {
	answer := stripEcho(text)

	lines := strings.Split(answer, "\n")
	stage := 0
	var out []string
	for _, line := range lines {
		if isReasoningCue(line) {
			stage++
			out = append(out, fmt.Sprintf("## Analysis stage %d ##", stage))
		}
		out = append(out, line)
	}
	return fastPostProcess(strings.Join(out, "\n"))
}

// stripEcho drops an echoed transcript prefix: everything up to and
// including the last "Assistant:" cue that follows the last "User:"
// cue. Text without cues passes through unchanged.
func stripEcho(text string) string {
	rest := text
	if i := strings.LastIndex(rest, userPrefix[:len(userPrefix)-1]); i >= 0 {
		rest = rest[i:]
	}
	if i := strings.LastIndex(rest, assistantPrefix[:len(assistantPrefix)-1]); i >= 0 {
		rest = rest[i+len(assistantPrefix)-1:]
	} else if rest != text {
		// A trailing user turn without an assistant reply has no
		// answer; fall back to the full text.
		rest = text
	}
	return rest
}

func isReasoningCue(line string) bool {
	lower := strings.ToLower(line)
	for _, cue := range reasoningCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}
