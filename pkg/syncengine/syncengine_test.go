package syncengine

import (
	"context"
	"testing"

	"github.com/knirvcorp/syncbase/go/internal/types"
)

func TestNew(t *testing.T) {
	tmpDir := t.TempDir()
	opts := Options{DataDir: tmpDir, ClientID: "client-1"}
	ctx := context.Background()

	e, err := New(ctx, opts)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if e == nil {
		t.Fatal("New() returned nil Engine")
	}
	defer e.Close()

	if _, err := New(ctx, Options{DataDir: tmpDir}); err == nil {
		t.Fatal("New() should fail with empty ClientID")
	}
}

func TestEngineSetGetOffline(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, Options{ClientID: "client-1"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer e.Close()

	if _, err := e.RegisterDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("RegisterDocument() failed: %v", err)
	}

	if err := e.Set(ctx, "doc-1", "title", []byte(`"hello"`)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	v, ok := e.Get("doc-1", "title")
	if !ok || string(v) != `"hello"` {
		t.Fatalf("expected hello, got %s ok=%v", v, ok)
	}

	state := e.SyncState("doc-1")
	if state.Document != types.DocumentID("doc-1") {
		t.Fatalf("unexpected sync state: %+v", state)
	}
}

func TestEngineMetricsExposed(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, Options{ClientID: "client-1"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer e.Close()

	if e.Metrics() == nil {
		t.Fatal("expected non-nil metrics")
	}
	if e.Logger() == nil {
		t.Fatal("expected non-nil logger")
	}
}
