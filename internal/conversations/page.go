package conversations

import (
	"context"
	"time"

	"github.com/kestrelbot/kestrel/pkg/models"
)

// Summary is one row of a human readable conversation listing.
type Summary struct {
	// Index is the 1-based position across all pages, newest first.
	Index     int
	ID        string
	Title     string
	UpdatedAt time.Time
	// Current marks the origin's active conversation.
	Current bool
}

// Page is one page of conversation summaries.
type Page struct {
	Items []Summary
	Page  int
	Pages int
	Total int
}

// Exchange is one user/assistant turn of a dialogue.
type Exchange struct {
	User      string
	Assistant string
}

// HumanReadable returns one page of the origin's current dialogue as
// user/assistant exchanges, newest first, plus the total page count.
// Tool round-trip entries are skipped; an exchange whose reply never
// arrived shows an empty assistant side. Pages are 1-based.
func (m *Manager) HumanReadable(ctx context.Context, origin string, page, size int) ([]Exchange, int, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}

	id := m.CurrentID(origin)
	if id == "" {
		return nil, 0, nil
	}
	conv, err := m.Get(ctx, id)
	if err != nil {
		return nil, 0, err
	}

	var exchanges []Exchange
	open := false
	for _, e := range conv.History {
		switch {
		case e.Role == models.RoleEntryUser:
			exchanges = append(exchanges, Exchange{User: e.Content})
			open = true
		case e.Role == models.RoleEntryAssistant && !e.ToolCallHistory && len(e.ToolCalls) == 0:
			if open {
				exchanges[len(exchanges)-1].Assistant = e.Content
				open = false
			}
		}
	}
	for i, j := 0, len(exchanges)-1; i < j; i, j = i+1, j-1 {
		exchanges[i], exchanges[j] = exchanges[j], exchanges[i]
	}

	total := len(exchanges)
	pages := (total + size - 1) / size
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return exchanges[start:end], pages, nil
}

// PageFor returns one page of the origin's conversations, newest first.
// Pages are 1-based; out-of-range pages return empty items.
func (m *Manager) PageFor(ctx context.Context, origin string, page, size int) (Page, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 1
	}

	convs, err := m.List(ctx, origin)
	if err != nil {
		return Page{}, err
	}
	current := m.CurrentID(origin)

	total := len(convs)
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}

	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	items := make([]Summary, 0, end-start)
	for i, conv := range convs[start:end] {
		title := conv.Title
		if title == "" {
			title = "untitled"
		}
		items = append(items, Summary{
			Index:     start + i + 1,
			ID:        conv.ID,
			Title:     title,
			UpdatedAt: conv.UpdatedAt,
			Current:   conv.ID == current,
		})
	}

	return Page{Items: items, Page: page, Pages: pages, Total: total}, nil
}
