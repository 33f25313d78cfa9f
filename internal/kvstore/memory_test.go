package kvstore

import (
	"context"
	"testing"
)

type testDoc struct {
	Name  string `json:"nome"`
	Count int    `json:"total"`
}

// ---------------------------------------------------------------------------
// Memory store
// ---------------------------------------------------------------------------

func TestMemory_SetGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	in := testDoc{Name: "backup", Count: 3}
	if err := s.Set(ctx, "test:doc", in); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var out testDoc
	if err := s.Get(ctx, "test:doc", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out != in {
		t.Errorf("Get = %+v, want %+v", out, in)
	}
}

func TestMemory_GetMissingKey(t *testing.T) {
	s := NewMemory()
	var out testDoc
	if err := s.Get(context.Background(), "missing", &out); err != ErrNotFound {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestMemory_SetReplaces(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	s.Set(ctx, "k", testDoc{Name: "first"})
	s.Set(ctx, "k", testDoc{Name: "second"})

	var out testDoc
	if err := s.Get(ctx, "k", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out.Name != "second" {
		t.Errorf("Name = %q, want second", out.Name)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestMemory_Delete(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	s.Set(ctx, "k", testDoc{Name: "doc"})
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	var out testDoc
	if err := s.Get(ctx, "k", &out); err != ErrNotFound {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}
}

func TestMemory_DeleteMissingKeyIsNoop(t *testing.T) {
	s := NewMemory()
	if err := s.Delete(context.Background(), "never-existed"); err != nil {
		t.Errorf("Delete(missing) = %v, want nil", err)
	}
}

func TestMemory_CopySemantics(t *testing.T) {
	// Mutating the value after Set must not affect the stored document.
	s := NewMemory()
	ctx := context.Background()

	in := map[string]string{"a": "1"}
	s.Set(ctx, "k", in)
	in["a"] = "mutated"

	var out map[string]string
	if err := s.Get(ctx, "k", &out); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if out["a"] != "1" {
		t.Errorf("stored document mutated through caller reference: %v", out)
	}
}
