package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/starford/pinnote/internal/apperr"
	"github.com/starford/pinnote/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func fixedClock(ms ...int64) func() time.Time {
	i := 0
	return func() time.Time {
		v := ms[min(i, len(ms)-1)]
		i++
		return time.UnixMilli(v)
	}
}

func strp(s string) *string { return &s }

func tagsp(tags ...string) *[]string { return &tags }

func TestCreateDefaults(t *testing.T) {
	reg := New(Options{DefaultTags: []string{"#Inbox"}, NewID: func() string { return "generated" }})

	n, err := reg.Create("", Patch{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.ID != "generated" {
		t.Errorf("id = %q", n.ID)
	}
	if n.Content != "" {
		t.Errorf("content = %q, want empty", n.Content)
	}
	if !reflect.DeepEqual(n.Tags, []string{"inbox"}) {
		t.Errorf("tags = %v, want [inbox]", n.Tags)
	}
	if n.Position != models.DefaultPosition() || n.VisualState != models.DefaultVisualState() {
		t.Errorf("presentation defaults not applied: %+v", n)
	}
}

func TestCreateDuplicate(t *testing.T) {
	reg := New(Options{})
	if _, err := reg.Create("a", Patch{}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Create("a", Patch{}); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestUpdate_StampsMonotonic(t *testing.T) {
	reg := New(Options{Now: fixedClock(100, 200, 150)})
	if _, err := reg.Create("a", Patch{}); err != nil {
		t.Fatal(err)
	}

	n, err := reg.Update("a", Patch{Content: strp("one")})
	if err != nil {
		t.Fatal(err)
	}
	if n.LastModified != 200 {
		t.Errorf("last_modified = %d, want 200", n.LastModified)
	}

	// clock went backwards; the stamp must not
	n, err = reg.Update("a", Patch{Content: strp("two")})
	if err != nil {
		t.Fatal(err)
	}
	if n.LastModified != 200 {
		t.Errorf("last_modified = %d, want 200", n.LastModified)
	}
}

func TestUpdate_FieldsAndNoop(t *testing.T) {
	rec := &recorder{}
	reg := New(Options{}, rec.listen)
	_, _ = reg.Create("a", Patch{Content: strp("x")})

	if _, err := reg.Update("a", Patch{Tags: tagsp("Work", "#work")}); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Update("a", Patch{Content: strp("x")}); err != nil {
		t.Fatal(err)
	}

	if got := rec.kinds(); !reflect.DeepEqual(got, []Kind{KindCreated, KindUpdated}) {
		t.Fatalf("kinds = %v", got)
	}
	ev := rec.events[1]
	if !ev.Fields.Has(FieldTags) || ev.Fields.Has(FieldContent) {
		t.Errorf("fields = %b, want tags only", ev.Fields)
	}
	if !reflect.DeepEqual(ev.Note.Tags, []string{"work"}) {
		t.Errorf("tags = %v", ev.Note.Tags)
	}
}

func TestUpdate_Missing(t *testing.T) {
	reg := New(Options{})
	if _, err := reg.Update("nope", Patch{Content: strp("x")}); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDelete_Tombstones(t *testing.T) {
	rec := &recorder{}
	reg := New(Options{}, rec.listen)
	_, _ = reg.Create("a", Patch{Content: strp("bye")})

	if !reg.Delete("a") {
		t.Fatal("Delete returned false")
	}
	if reg.Delete("a") {
		t.Error("second Delete returned true")
	}
	if !reg.Removed("a") {
		t.Error("id not tombstoned")
	}
	if _, err := reg.Update("a", Patch{Content: strp("back")}); !errors.Is(err, apperr.ErrRemoved) {
		t.Errorf("update after delete: err = %v, want ErrRemoved", err)
	}
	if _, err := reg.Create("a", Patch{}); !errors.Is(err, apperr.ErrRemoved) {
		t.Errorf("create after delete: err = %v, want ErrRemoved", err)
	}
	if n := reg.Materialize([]models.Note{{ID: "a"}}); n != 0 {
		t.Errorf("Materialize resurrected a removed note")
	}

	last := rec.events[len(rec.events)-1]
	if last.Kind != KindDeleted || last.Note.Content != "bye" {
		t.Errorf("delete event = %+v", last)
	}
}

func TestSubscribe(t *testing.T) {
	reg := New(Options{})
	_, _ = reg.Create("a", Patch{})
	_, _ = reg.Create("b", Patch{})

	rec := &recorder{}
	unsubscribe := reg.Subscribe("a", rec.listen)

	_, _ = reg.Update("b", Patch{Content: strp("other")})
	_, _ = reg.Update("a", Patch{Content: strp("mine")})
	unsubscribe()
	unsubscribe()
	_, _ = reg.Update("a", Patch{Content: strp("unseen")})

	if got := rec.kinds(); !reflect.DeepEqual(got, []Kind{KindUpdated}) {
		t.Errorf("kinds = %v, want one update", got)
	}
}

func TestMaterializeSkipsExisting(t *testing.T) {
	rec := &recorder{}
	reg := New(Options{}, rec.listen)
	_, _ = reg.Create("a", Patch{Content: strp("live")})

	added := reg.Materialize([]models.Note{
		{ID: "a", Content: "stale"},
		{ID: "b", Content: "loaded"},
	})
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	a, _ := reg.Get("a")
	if a.Content != "live" {
		t.Errorf("existing note overwritten: %q", a.Content)
	}
	if len(rec.events) != 1 {
		t.Errorf("Materialize emitted events: %v", rec.kinds())
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d", reg.Len())
	}

	newer := a
	newer.Content = "external"
	newer.LastModified = a.LastModified + 1
	if reg.Materialize([]models.Note{newer}) != 1 {
		t.Error("newer version was not materialized")
	}
	if a, _ = reg.Get("a"); a.Content != "external" {
		t.Errorf("content = %q, want external", a.Content)
	}
}

func TestEventsInMutationOrder(t *testing.T) {
	var (
		mu   sync.Mutex
		seen = make(map[string][]string)
	)
	reg := New(Options{}, func(ev Event) {
		mu.Lock()
		seen[ev.Note.ID] = append(seen[ev.Note.ID], ev.Note.Content)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		id := fmt.Sprintf("n%d", w)
		_, _ = reg.Create(id, Patch{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = reg.Update(id, Patch{Content: strp(fmt.Sprint(i))})
			}
		}()
	}
	wg.Wait()

	for id, contents := range seen {
		if len(contents) != 51 {
			t.Fatalf("%s: %d events, want 51", id, len(contents))
		}
		for i, c := range contents[1:] {
			if c != fmt.Sprint(i) {
				t.Fatalf("%s: event %d has content %q", id, i, c)
			}
		}
	}
}

func TestCreateRejectsInvalidID(t *testing.T) {
	rec := &recorder{}
	reg := New(Options{}, rec.listen)

	for _, id := range []string{".x", "a..b", "a/b"} {
		if _, err := reg.Create(id, Patch{}); !errors.Is(err, models.ErrInvalidID) {
			t.Errorf("Create(%q): err = %v, want ErrInvalidID", id, err)
		}
	}
	if reg.Len() != 0 || len(rec.kinds()) != 0 {
		t.Errorf("rejected creates left %d notes and %d events", reg.Len(), len(rec.kinds()))
	}
	if _, err := reg.Create("", Patch{}); err != nil {
		t.Errorf("generated id rejected: %v", err)
	}
}
