package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/seralva/booktalk/internal/dialogue"
	"github.com/seralva/booktalk/internal/prompt"
)

// Entry is one catalog record: a document plus its dialogue characters.
type Entry struct {
	prompt.Subject
	Characters []prompt.Subject `json:"characters,omitempty"`
}

// Static serves subjects from an in-memory table.
type Static struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewStatic() *Static {
	return &Static{entries: make(map[string]Entry)}
}

// LoadFile reads a JSON array of catalog entries.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c := NewStatic()
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry %q has no id", e.Title)
		}
		c.Put(e)
	}
	return c, nil
}

func (c *Static) Put(e Entry) {
	c.mu.Lock()
	c.entries[e.ID] = e
	c.mu.Unlock()
}

func (c *Static) Subject(ctx context.Context, subjectID string) (prompt.Subject, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[subjectID]
	if !ok {
		return prompt.Subject{}, dialogue.ErrUnknownSubject
	}
	return e.Subject, nil
}

// Character layers a character persona onto its document subject. The
// character inherits the document's retrieval setting.
func (c *Static) Character(ctx context.Context, subjectID, characterID string) (prompt.Subject, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[subjectID]
	if !ok {
		return prompt.Subject{}, dialogue.ErrUnknownSubject
	}
	for _, ch := range e.Characters {
		if ch.ID == characterID {
			merged := ch
			merged.ID = e.ID
			merged.Title = e.Title
			merged.Author = e.Author
			merged.RetrievalEnabled = e.RetrievalEnabled
			return merged, nil
		}
	}
	return prompt.Subject{}, dialogue.ErrUnknownSubject
}

// List returns every catalog entry for the HTTP surface.
func (c *Static) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}
