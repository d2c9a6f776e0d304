package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:             id,
		OwnerID:        "owner-1",
		SubjectID:      "book-1",
		Kind:           KindDocument,
		Status:         StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	if err := st.CreateSession(ctx, newTestSession("s1")); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	sess, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Status != StatusActive {
		t.Fatalf("status = %s", sess.Status)
	}

	sess.Status = StatusEnded
	ended := time.Now().UTC()
	sess.EndedAt = &ended
	if err := st.UpdateSession(ctx, sess); err != nil {
		t.Fatalf("UpdateSession() error = %v", err)
	}

	got, _ := st.GetSession(ctx, "s1")
	if got.Status != StatusEnded || got.EndedAt == nil {
		t.Fatalf("session not ended: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	st := NewInMemoryStore()
	if _, err := st.GetSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestGetSessionReturnsClone(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()
	st.CreateSession(ctx, newTestSession("s1"))

	first, _ := st.GetSession(ctx, "s1")
	first.Status = StatusExpired

	second, _ := st.GetSession(ctx, "s1")
	if second.Status != StatusActive {
		t.Fatalf("mutation leaked into store: %s", second.Status)
	}
}

func TestExpireInactiveSessions(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	stale := newTestSession("stale")
	stale.LastActivityAt = time.Now().Add(-time.Hour)
	st.CreateSession(ctx, stale)

	fresh := newTestSession("fresh")
	st.CreateSession(ctx, fresh)

	ids, err := st.ExpireInactiveSessions(ctx, time.Now().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ExpireInactiveSessions() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("expired = %v", ids)
	}

	got, _ := st.GetSession(ctx, "stale")
	if got.Status != StatusExpired || got.EndedAt == nil {
		t.Fatalf("stale session not expired: %+v", got)
	}
	got, _ = st.GetSession(ctx, "fresh")
	if got.Status != StatusActive {
		t.Fatalf("fresh session was expired")
	}
}

func TestMessagesPagingAndRecent(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()
	st.CreateSession(ctx, newTestSession("s1"))

	for i := 0; i < 5; i++ {
		st.AppendMessage(ctx, &Message{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: "s1",
			Role:      "user",
			Content:   fmt.Sprintf("msg %d", i),
			CreatedAt: time.Now().UTC(),
		})
	}

	page, err := st.ListMessages(ctx, "s1", 2, 1)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(page) != 2 || page[0].ID != "m1" || page[1].ID != "m2" {
		t.Fatalf("page = %+v", page)
	}

	recent, err := st.RecentMessages(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(recent) != 3 || recent[0].ID != "m2" || recent[2].ID != "m4" {
		t.Fatalf("recent = %+v", recent)
	}

	n, _ := st.CountMessages(ctx, "s1")
	if n != 5 {
		t.Fatalf("count = %d", n)
	}
}

func TestMessageReferencesCloned(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	refs := []Reference{{Section: "ch1", Excerpt: "text", Score: 0.9}}
	st.AppendMessage(ctx, &Message{ID: "m1", SessionID: "s1", Role: "assistant", References: refs})

	got, _ := st.RecentMessages(ctx, "s1", 10)
	got[0].References[0].Section = "mutated"

	again, _ := st.RecentMessages(ctx, "s1", 10)
	if again[0].References[0].Section != "ch1" {
		t.Fatalf("reference mutation leaked into store")
	}
}

func TestContextStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	none, err := st.GetContext(ctx, "s1")
	if err != nil || none != nil {
		t.Fatalf("GetContext() = %v, %v, want nil, nil", none, err)
	}

	cs := &ContextState{
		SessionID:       "s1",
		Summary:         "talked about whales",
		Topics:          []string{"whales"},
		LastHitSections: []string{"ch1"},
		UpdatedAt:       time.Now().UTC(),
	}
	if err := st.SaveContext(ctx, cs); err != nil {
		t.Fatalf("SaveContext() error = %v", err)
	}

	got, err := st.GetContext(ctx, "s1")
	if err != nil {
		t.Fatalf("GetContext() error = %v", err)
	}
	if got.Summary != cs.Summary || len(got.Topics) != 1 {
		t.Fatalf("context = %+v", got)
	}

	if err := st.DeleteContext(ctx, "s1"); err != nil {
		t.Fatalf("DeleteContext() error = %v", err)
	}
	gone, _ := st.GetContext(ctx, "s1")
	if gone != nil {
		t.Fatalf("context not deleted")
	}
}

func TestUsageRecords(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	for i := 0; i < 3; i++ {
		st.AppendUsage(ctx, &UsageRecord{
			ID:        fmt.Sprintf("u%d", i),
			SessionID: "s1",
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			Feature:   "dialogue",
			Success:   i != 0,
			CreatedAt: time.Now().UTC(),
		})
	}

	recs, err := st.ListUsage(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListUsage() error = %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("usage records = %d", len(recs))
	}
}
