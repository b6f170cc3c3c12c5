package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/starford/pinnote/internal/models"
)

func newTestFS(t *testing.T, root, user string) *FS {
	t.Helper()
	f, err := NewFS(root, user, nil)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return f
}

func sample(id, content string, lm int64) models.Note {
	return models.Note{
		ID:           id,
		Content:      content,
		Tags:         []string{"work"},
		Position:     models.Position{X: 10, Y: 20},
		VisualState:  models.VisualState{Width: 300, Height: 150, Color: "blue"},
		LastModified: lm,
	}
}

func TestFS_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newTestFS(t, t.TempDir(), "alice")

	want := sample("n1", "hello", 100)
	if err := f.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := f.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if !reflect.DeepEqual(got["n1"], want) {
		t.Errorf("loaded %+v, want %+v", got["n1"], want)
	}
	if _, err := os.Stat(filepath.Join(f.Dir(), "n1.json")); err != nil {
		t.Errorf("note file missing: %v", err)
	}
}

func TestFS_KeepsNewerVersion(t *testing.T) {
	ctx := context.Background()
	f := newTestFS(t, t.TempDir(), "alice")

	_ = f.Save(ctx, sample("n1", "newer", 200))
	if err := f.Save(ctx, sample("n1", "older", 100)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _ := f.LoadAll(ctx)
	if got["n1"].Content != "newer" {
		t.Errorf("content = %q, want newer", got["n1"].Content)
	}
}

func TestFS_PerUserIsolation(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	alice := newTestFS(t, root, "alice")
	bob := newTestFS(t, root, "bob")

	_ = alice.Save(ctx, sample("a", "alice's", 1))
	_ = bob.Save(ctx, sample("b", "bob's", 1))

	got, _ := alice.LoadAll(ctx)
	if len(got) != 1 || got["a"].Content != "alice's" {
		t.Errorf("alice sees %v", got)
	}
}

func TestFS_NormalizesPartialRecords(t *testing.T) {
	ctx := context.Background()
	f := newTestFS(t, t.TempDir(), "alice")

	if err := os.WriteFile(filepath.Join(f.Dir(), "bare.json"), []byte(`{"content":"only text"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(f.Dir(), "broken.json"), []byte(`{not json`), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := f.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if _, ok := got["broken"]; ok {
		t.Error("unparseable file was loaded")
	}
	n := got["bare"]
	if n.ID != "bare" || n.Content != "only text" {
		t.Errorf("bare = %+v", n)
	}
	if n.Tags == nil || len(n.Tags) != 0 {
		t.Errorf("tags = %#v, want empty slice", n.Tags)
	}
	if n.Position != models.DefaultPosition() || n.VisualState != models.DefaultVisualState() {
		t.Errorf("defaults not applied: %+v", n)
	}
}

func TestFS_Delete(t *testing.T) {
	ctx := context.Background()
	f := newTestFS(t, t.TempDir(), "alice")
	_ = f.Save(ctx, sample("n1", "x", 1))

	if err := f.Delete(ctx, "n1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := f.Delete(ctx, "n1"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	got, _ := f.LoadAll(ctx)
	if len(got) != 0 {
		t.Errorf("notes left: %v", got)
	}
}

func TestFS_RejectsBadIDs(t *testing.T) {
	ctx := context.Background()
	f := newTestFS(t, t.TempDir(), "alice")

	for _, id := range []string{"", "../escape", "a/b", `a\b`, ".hidden"} {
		if err := f.Save(ctx, sample(id, "x", 1)); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Save(%q): err = %v, want ErrInvalidID", id, err)
		}
	}
	if _, err := NewFS(t.TempDir(), "../bob", nil); !errors.Is(err, ErrInvalidID) {
		t.Errorf("NewFS with traversal user: err = %v", err)
	}
}

func TestFS_CancelledContext(t *testing.T) {
	f := newTestFS(t, t.TempDir(), "alice")

	// hold the partition lock from a second handle
	other := newTestFS(t, filepath.Dir(f.Dir()), "alice")
	if err := other.lock.Lock(); err != nil {
		t.Fatal(err)
	}
	defer other.lock.Unlock() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Save(ctx, sample("n1", "x", 1)); err == nil {
		t.Error("Save with held lock and cancelled context succeeded")
	}
}
