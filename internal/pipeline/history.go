package pipeline

import "github.com/kestrelbot/kestrel/pkg/models"

// sanitizeHistory applies the tool-pair rule to history read from storage:
// entries carrying the tool-call-history marker survive only as complete
// assistant-with-tool-calls groups followed by their tool replies. A bare
// marked tool entry, or a marked assistant whose replies are missing, is
// dropped. Unmarked entries pass through unchanged. The marker itself is
// stripped from the returned entries.
func sanitizeHistory(history []models.ContextEntry) []models.ContextEntry {
	out := make([]models.ContextEntry, 0, len(history))
	for i := 0; i < len(history); i++ {
		e := history[i]
		if !e.ToolCallHistory {
			out = append(out, e)
			continue
		}
		if e.Role != models.RoleEntryAssistant || len(e.ToolCalls) == 0 {
			// Orphan tool reply from an interrupted round-trip.
			continue
		}
		j := i + 1
		var replies []models.ContextEntry
		for j < len(history) && history[j].ToolCallHistory && history[j].Role == models.RoleEntryTool {
			reply := history[j]
			reply.ToolCallHistory = false
			replies = append(replies, reply)
			j++
		}
		if len(replies) > 0 {
			e.ToolCallHistory = false
			out = append(out, e)
			out = append(out, replies...)
		}
		i = j - 1
	}
	return out
}

// truncateContexts enforces the context-window bound: when the history
// holds more than max exchanges, keep the last (max − dequeue + 1) × 2
// entries and advance to the first user entry so the trimmed history
// begins at a user turn.
func truncateContexts(entries []models.ContextEntry, max, dequeue int) []models.ContextEntry {
	if max <= 0 || len(entries)/2 <= max {
		return entries
	}
	if dequeue < 1 {
		dequeue = 1
	}
	keep := (max - dequeue + 1) * 2
	if keep < 0 {
		keep = 0
	}
	if keep < len(entries) {
		entries = entries[len(entries)-keep:]
	}
	for i, e := range entries {
		if e.Role == models.RoleEntryUser {
			return entries[i:]
		}
	}
	return nil
}

// stripNoSave filters out entries flagged as ephemeral before persistence.
func stripNoSave(entries []models.ContextEntry) []models.ContextEntry {
	out := make([]models.ContextEntry, 0, len(entries))
	for _, e := range entries {
		if e.NoSave {
			continue
		}
		out = append(out, e)
	}
	return out
}
