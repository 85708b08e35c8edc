package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/example/training-gateway/internal/models"
)

func msg(id string) *models.QueuedMessage {
	return &models.QueuedMessage{
		ID:         id,
		Service:    "courses",
		Endpoint:   "/courses",
		Method:     "POST",
		MaxRetries: 3,
	}
}

func TestFIFOOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 5; i++ {
		if err := s.Push(ctx, Main, msg(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		got, err := s.Pop(ctx, Main)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if want := fmt.Sprintf("m%d", i); got.ID != want {
			t.Errorf("pop %d = %s, want %s", i, got.ID, want)
		}
	}

	if _, err := s.Pop(ctx, Main); !errors.Is(err, ErrEmpty) {
		t.Errorf("pop on empty = %v, want ErrEmpty", err)
	}
}

func TestPushPopRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	original := msg("round-trip")
	original.Data = map[string]any{"name": "X"}
	if err := s.Push(ctx, Main, original); err != nil {
		t.Fatalf("push: %v", err)
	}

	got, err := s.Pop(ctx, Main)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got.ID != original.ID || got.Service != original.Service || got.Method != original.Method {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 3; i++ {
		_ = s.Push(ctx, Main, msg(fmt.Sprintf("m%d", i)))
	}

	peeked, err := s.Peek(ctx, Main, 2)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(peeked) != 2 {
		t.Fatalf("peek returned %d, want 2", len(peeked))
	}
	if peeked[0].ID != "m0" || peeked[1].ID != "m1" {
		t.Errorf("peek order = %s, %s; want m0, m1", peeked[0].ID, peeked[1].ID)
	}

	if n, _ := s.Len(ctx, Main); n != 3 {
		t.Errorf("Len after peek = %d, want 3", n)
	}
}

func TestRemoveByID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 0; i < 3; i++ {
		_ = s.Push(ctx, Main, msg(fmt.Sprintf("m%d", i)))
	}

	removed, err := s.Remove(ctx, Main, "m1")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.ID != "m1" {
		t.Errorf("removed %s, want m1", removed.ID)
	}
	if n, _ := s.Len(ctx, Main); n != 2 {
		t.Errorf("Len after remove = %d, want 2", n)
	}

	if _, err := s.Remove(ctx, Main, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove = %v, want ErrNotFound", err)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.Push(ctx, DeadLetter, msg("d0"))
	_ = s.Push(ctx, DeadLetter, msg("d1"))

	if err := s.Purge(ctx, DeadLetter); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n, _ := s.Len(ctx, DeadLetter); n != 0 {
		t.Errorf("Len after purge = %d, want 0", n)
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.Push(ctx, Main, msg("m0"))
	_ = s.Push(ctx, DeadLetter, msg("d0"))

	if n, _ := s.Len(ctx, Main); n != 1 {
		t.Errorf("main len = %d, want 1", n)
	}
	if n, _ := s.Len(ctx, DeadLetter); n != 1 {
		t.Errorf("dead-letter len = %d, want 1", n)
	}

	got, _ := s.Pop(ctx, DeadLetter)
	if got.ID != "d0" {
		t.Errorf("dead-letter pop = %s, want d0", got.ID)
	}
}

func TestUnknownQueue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Push(ctx, Name("bogus"), msg("x")); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("push to unknown queue = %v, want ErrUnknownQueue", err)
	}
	if _, err := s.Pop(ctx, Name("bogus")); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("pop from unknown queue = %v, want ErrUnknownQueue", err)
	}
}

func TestParseName(t *testing.T) {
	if q, ok := ParseName("main"); !ok || q != Main {
		t.Errorf("ParseName(main) = (%v, %v)", q, ok)
	}
	if q, ok := ParseName("dead_letter"); !ok || q != DeadLetter {
		t.Errorf("ParseName(dead_letter) = (%v, %v)", q, ok)
	}
	if _, ok := ParseName("response"); ok {
		t.Error("ParseName(response) should fail")
	}
}
