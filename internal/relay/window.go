package relay

import "github.com/MegaGrindStone/relaychat/internal/models"

const (
	// DefaultMaxHistoryPairs is the number of most recent user/assistant exchanges that are sent as
	// context with each completion call.
	DefaultMaxHistoryPairs = 10

	// DefaultSystemPrompt heads every prompt unless configured otherwise.
	DefaultSystemPrompt = "You are a friendly and professional AI assistant. Answer the user's questions concisely and accurately."
)

// Window builds the bounded prompt for a completion call out of a session's history.
type Window struct {
	SystemPrompt string
	MaxPairs     int
}

// Build returns the system instruction followed by the last 2*MaxPairs entries of history, in their
// original order. Entries with a role other than user or assistant are skipped. An empty history
// yields just the system entry.
func (w Window) Build(history []models.Message) []models.PromptEntry {
	systemPrompt := w.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	maxPairs := w.MaxPairs
	if maxPairs <= 0 {
		maxPairs = DefaultMaxHistoryPairs
	}

	start := max(0, len(history)-2*maxPairs)
	recent := history[start:]

	entries := make([]models.PromptEntry, 0, len(recent)+1)
	entries = append(entries, models.PromptEntry{Role: models.RoleSystem, Text: systemPrompt})
	for _, msg := range recent {
		switch msg.Role {
		case models.RoleUser, models.RoleAssistant:
			entries = append(entries, models.PromptEntry{Role: msg.Role, Text: msg.Content})
		}
	}
	return entries
}
