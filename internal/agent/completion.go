package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// completionPhrases are substrings whose presence signals the agent
// believes its work is finished.
var completionPhrases = []string{
	"task is complete", "task complete", "all done", "finished the task",
	"completed successfully", "that completes", "done with this",
}

// waitingPhrases signal the agent is pausing for external input rather than
// genuinely finishing.
var waitingPhrases = []string{
	"let me know", "waiting for", "please confirm", "awaiting your",
	"once you", "when you're ready",
}

const shortResponseThreshold = 80

// completionScore implements spec §4.6 step 9's weighted signal sum. The
// caller must have already appended the current turn's text via
// recordTurn before calling this.
func completionScore(state *LoopState) float64 {
	if len(state.recentNormalizedText) == 0 {
		return 0
	}
	text := state.LastText
	lower := strings.ToLower(text)
	var score float64

	if containsAny(lower, completionPhrases) {
		score += 0.3
	}
	if containsAny(lower, waitingPhrases) {
		score += 0.2
	}
	if repeatsPreviousResponse(state) {
		score += 0.3
	}
	if state.inactivityStreak >= 2 {
		score += 0.2
	}
	if len(text) > 0 && len(text) < shortResponseThreshold {
		score += 0.1
	}
	if confidenceUptrend(state.confidenceHistory) {
		score += 0.1
	}

	return score
}

// recordTurn updates the loop state's completion-heuristic bookkeeping for
// the turn that just produced text with no tool calls. Call this before
// completionScore.
func recordTurn(state *LoopState, text string) {
	normalized := normalizeHash(text)
	state.recentNormalizedText = append(state.recentNormalizedText, normalized)
	if len(state.recentNormalizedText) > 3 {
		state.recentNormalizedText = state.recentNormalizedText[len(state.recentNormalizedText)-3:]
	}

	if strings.TrimSpace(text) == "" {
		state.inactivityStreak++
	} else {
		state.inactivityStreak = 0
	}

	state.confidenceHistory = append(state.confidenceHistory, turnConfidence(text))
	if len(state.confidenceHistory) > 3 {
		state.confidenceHistory = state.confidenceHistory[len(state.confidenceHistory)-3:]
	}
}

// repeatsPreviousResponse reports whether the normalized hash of the most
// recent response matches an earlier one in the retained window, meaning
// the agent is producing the same response repeatedly.
func repeatsPreviousResponse(state *LoopState) bool {
	n := len(state.recentNormalizedText)
	if n < 2 {
		return false
	}
	latest := state.recentNormalizedText[n-1]
	for i := 0; i < n-1; i++ {
		if state.recentNormalizedText[i] == latest {
			return true
		}
	}
	return false
}

// confidenceUptrend reports whether confidence strictly increased across
// the retained window of up to three turns.
func confidenceUptrend(history []float64) bool {
	if len(history) < 3 {
		return false
	}
	return history[len(history)-3] < history[len(history)-2] && history[len(history)-2] < history[len(history)-1]
}

// turnConfidence is a simple proxy for model confidence: longer, more
// assertive text (fewer hedging words) scores higher.
func turnConfidence(text string) float64 {
	lower := strings.ToLower(text)
	hedges := []string{"maybe", "perhaps", "i think", "not sure", "might"}
	score := 1.0
	for _, h := range hedges {
		if strings.Contains(lower, h) {
			score -= 0.2
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// normalizeHash collapses whitespace and hashes the text so near-identical
// repeated responses compare equal regardless of minor formatting drift.
func normalizeHash(text string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
