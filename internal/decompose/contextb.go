package decompose

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/storyforge/storyforge/internal/ticketing"
)

// DefaultContextBudget caps the condensed sibling block in characters.
const DefaultContextBudget = 2000

// ContextBlock is the condensed view of an epic's existing children fed into
// the prompt and into duplicate detection.
type ContextBlock struct {
	Text  string
	Items []ticketing.ChildItem
}

// Empty reports whether no sibling context was available.
func (c ContextBlock) Empty() bool { return len(c.Items) == 0 }

// Titles returns the sibling titles for prompt avoidance lists.
func (c ContextBlock) Titles() []string {
	out := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		if t := strings.TrimSpace(it.Title); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ContextBuilder condenses existing sibling items into a bounded text block.
// Fetch failures degrade to an empty block; they are never fatal.
type ContextBuilder struct {
	tickets ticketing.Client
	budget  int
	logger  *log.Logger
}

// NewContextBuilder builds a context builder with the default char budget.
func NewContextBuilder(tickets ticketing.Client, logger *log.Logger) *ContextBuilder {
	if logger == nil {
		logger = log.New(log.Writer(), "[CONTEXT] ", log.LstdFlags)
	}
	return &ContextBuilder{tickets: tickets, budget: DefaultContextBudget, logger: logger}
}

// Build fetches the epic's children and condenses them to one line per item:
// title plus first acceptance criterion, truncated at the character budget.
func (b *ContextBuilder) Build(ctx context.Context, epicID string) ContextBlock {
	if b.tickets == nil {
		return ContextBlock{}
	}
	items, err := b.tickets.FetchChildren(ctx, epicID)
	if err != nil {
		b.logger.Printf("sibling fetch failed for epic %s: %v (continuing without context)", epicID, err)
		return ContextBlock{}
	}
	if len(items) == 0 {
		return ContextBlock{}
	}

	buf := &bytes.Buffer{}
	kept := make([]ticketing.ChildItem, 0, len(items))
	for _, it := range items {
		title := strings.TrimSpace(it.Title)
		if title == "" {
			continue
		}
		line := "- " + title
		if fc := strings.TrimSpace(it.FirstCriterion); fc != "" {
			line = fmt.Sprintf("- %s :: %s", title, fc)
		}
		if buf.Len()+len(line)+1 > b.budget {
			break
		}
		buf.WriteString(line)
		buf.WriteByte('\n')
		kept = append(kept, it)
	}
	return ContextBlock{Text: buf.String(), Items: kept}
}
