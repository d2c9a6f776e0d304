package prompt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seralva/booktalk/internal/provider"
	"github.com/seralva/booktalk/internal/retrieval"
	"github.com/seralva/booktalk/internal/store"
)

// Subject describes what a session talks to: a document, optionally with a
// character persona layered on top.
type Subject struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Author           string `json:"author,omitempty"`
	Description      string `json:"description,omitempty"`
	RetrievalEnabled bool   `json:"retrieval_enabled"`

	CharacterName string `json:"character_name,omitempty"`
	Persona       string `json:"persona,omitempty"`
	StyleGuide    string `json:"style_guide,omitempty"`
}

// Searcher answers grounding queries. The retrieval index satisfies it.
type Searcher interface {
	Search(ctx context.Context, documentID, query string, topK int, minScore float64) []retrieval.Hit
}

// HistorySource supplies recent turns. The session store satisfies it.
type HistorySource interface {
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
}

// Config bounds the assembled prompt.
type Config struct {
	HistoryWindow   int
	TokenBudget     int
	TopK            int
	MinScore        float64
	MaxExcerpts     int
	MaxExcerptRunes int
}

// BuildResult is the assembled prompt plus the references it grounded on.
type BuildResult struct {
	Messages   []provider.Message
	References []store.Reference
}

// Assembler builds the message list for one dialogue turn: persona or
// document preamble, grounding excerpts, trimmed history, the user's input.
type Assembler struct {
	search  Searcher
	history HistorySource
	counter TokenCounter
	cfg     Config
}

func NewAssembler(search Searcher, history HistorySource, counter TokenCounter, cfg Config) *Assembler {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 20
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 6000
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxExcerpts <= 0 {
		cfg.MaxExcerpts = 4
	}
	if cfg.MaxExcerptRunes <= 0 {
		cfg.MaxExcerptRunes = 800
	}
	return &Assembler{search: search, history: history, counter: counter, cfg: cfg}
}

// Build assembles the prompt for one turn. Retrieval failure degrades to an
// ungrounded prompt; history failure degrades to a historyless one.
func (a *Assembler) Build(ctx context.Context, sess *store.Session, subject Subject, userInput string) (BuildResult, error) {
	system := a.systemPreamble(sess, subject)

	var refs []store.Reference
	if subject.RetrievalEnabled && a.search != nil {
		hits := a.search.Search(ctx, subject.ID, userInput, a.cfg.TopK, a.cfg.MinScore)
		if len(hits) > a.cfg.MaxExcerpts {
			hits = hits[:a.cfg.MaxExcerpts]
		}
		if len(hits) > 0 {
			system += "\n\n" + excerptBlock(hits, a.cfg.MaxExcerptRunes)
			refs = make([]store.Reference, 0, len(hits))
			for _, h := range hits {
				refs = append(refs, store.Reference{
					Section: h.Section,
					Excerpt: truncateRunes(h.Content, a.cfg.MaxExcerptRunes),
					Score:   h.Score,
				})
			}
		}
	}

	var history []store.Message
	if a.history != nil {
		msgs, err := a.history.RecentMessages(ctx, sess.ID, a.cfg.HistoryWindow)
		if err == nil {
			history = msgs
		}
	}

	messages := a.assemble(system, history, userInput)
	return BuildResult{Messages: messages, References: refs}, nil
}

// systemPreamble writes either the document framing or the character
// framing, never both.
func (a *Assembler) systemPreamble(sess *store.Session, subject Subject) string {
	var b strings.Builder

	if sess.Kind == store.KindCharacter && subject.CharacterName != "" {
		fmt.Fprintf(&b, "You are %s", subject.CharacterName)
		if subject.Title != "" {
			fmt.Fprintf(&b, ", a character from %q", subject.Title)
		}
		b.WriteString(". Stay in character at all times and speak in first person.")
		if subject.Persona != "" {
			b.WriteString("\n\nPersona:\n")
			b.WriteString(subject.Persona)
		}
		if subject.StyleGuide != "" {
			b.WriteString("\n\nSpeaking style:\n")
			b.WriteString(subject.StyleGuide)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "You are a knowledgeable assistant helping a reader discuss %q", subject.Title)
	if subject.Author != "" {
		fmt.Fprintf(&b, " by %s", subject.Author)
	}
	b.WriteString(". Answer from the source material when excerpts are provided, and say so when the material does not cover a question.")
	if subject.Description != "" {
		b.WriteString("\n\nAbout the work:\n")
		b.WriteString(subject.Description)
	}
	return b.String()
}

func excerptBlock(hits []retrieval.Hit, maxRunes int) string {
	var b strings.Builder
	b.WriteString("Relevant excerpts from the source:\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "\n[%d]", i+1)
		if h.Section != "" {
			fmt.Fprintf(&b, " (%s)", h.Section)
		}
		b.WriteString(" ")
		b.WriteString(truncateRunes(h.Content, maxRunes))
		b.WriteString("\n")
	}
	return b.String()
}

// assemble trims history oldest-first until the token budget holds. The
// system preamble and the newest user input are never trimmed.
func (a *Assembler) assemble(system string, history []store.Message, userInput string) []provider.Message {
	budget := a.cfg.TokenBudget
	budget -= a.counter.Count(system)
	budget -= a.counter.Count(userInput)

	// Walk newest-backwards, keeping turns while they fit, then reverse so
	// the oldest turns are the ones dropped.
	var kept []provider.Message
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Failed {
			continue
		}
		cost := a.counter.Count(m.Content)
		if cost > budget {
			break
		}
		budget -= cost
		kept = append(kept, provider.Message{Role: provider.Role(m.Role), Content: m.Content})
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	messages := make([]provider.Message, 0, len(kept)+2)
	messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: system})
	messages = append(messages, kept...)
	messages = append(messages, provider.Message{Role: provider.RoleUser, Content: userInput})
	return messages
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// TopicsFromReferences derives the rolling context's section list.
func TopicsFromReferences(refs []store.Reference) []string {
	seen := make(map[string]struct{}, len(refs))
	var out []string
	for _, r := range refs {
		if r.Section == "" {
			continue
		}
		if _, ok := seen[r.Section]; ok {
			continue
		}
		seen[r.Section] = struct{}{}
		out = append(out, r.Section)
	}
	return out
}

// SummarizeTurn produces the short rolling summary stored per session.
func SummarizeTurn(prev string, userInput, reply string, at time.Time) string {
	line := fmt.Sprintf("[%s] user: %s / assistant: %s",
		at.Format("15:04"), truncateRunes(userInput, 120), truncateRunes(reply, 120))
	if prev == "" {
		return line
	}
	combined := prev + "\n" + line
	// Keep only the freshest tail so the summary stays bounded.
	lines := strings.Split(combined, "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	return strings.Join(lines, "\n")
}
