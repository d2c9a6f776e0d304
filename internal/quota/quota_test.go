package quota

import (
	"context"
	"testing"
)

func TestQuotaEnforcesAllowance(t *testing.T) {
	ctx := context.Background()
	q := NewInMemory(2)

	for i := 0; i < 2; i++ {
		ok, err := q.HasRemaining(ctx, "u1")
		if err != nil || !ok {
			t.Fatalf("turn %d: HasRemaining() = %v, %v", i, ok, err)
		}
		q.Consume(ctx, "u1")
	}

	ok, _ := q.HasRemaining(ctx, "u1")
	if ok {
		t.Fatalf("third turn allowed past allowance")
	}

	// Other owners are unaffected.
	ok, _ = q.HasRemaining(ctx, "u2")
	if !ok {
		t.Fatalf("other owner blocked")
	}
}

func TestQuotaDisabled(t *testing.T) {
	ctx := context.Background()
	q := NewInMemory(0)

	for i := 0; i < 100; i++ {
		q.Consume(ctx, "u1")
	}
	ok, _ := q.HasRemaining(ctx, "u1")
	if !ok {
		t.Fatalf("disabled quota rejected a turn")
	}
	if q.Used("u1") != 0 {
		t.Fatalf("disabled quota counted usage")
	}
}
