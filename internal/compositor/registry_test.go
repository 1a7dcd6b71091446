package compositor

import (
	"image"
	"sort"
	"sync"
	"testing"
)

func surfaceSource(w, h int) *Source {
	return &Source{Kind: KindSurface, Surface: image.NewRGBA(image.Rect(0, 0, w, h))}
}

type regRecorder struct {
	mu           sync.Mutex
	registered   []string
	unregistered []string
}

func (r *regRecorder) OnSourceRegistered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = append(r.registered, id)
}

func (r *regRecorder) OnSourceUnregistered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, id)
}

func TestRegistryRegisterGetHas(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	src := surfaceSource(10, 10)
	r.Register("a", src)

	if !r.Has("a") {
		t.Error("Has(a): got false")
	}
	got, ok := r.Get("a")
	if !ok || got != src {
		t.Error("Get(a) should return the registered source")
	}
	if _, ok := r.Get("b"); ok {
		t.Error("Get(b): got ok for unknown id")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("a", surfaceSource(1, 1))
	r.Register("b", surfaceSource(1, 1))
	ids := r.List()
	sort.Strings(ids)
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("List: got %v", ids)
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register("a", surfaceSource(1, 1))
	r.Unregister("a")
	if r.Has("a") {
		t.Error("Has(a) after unregister: got true")
	}
	// Unknown id is a no-op.
	r.Unregister("zz")
}

func TestRegistryObservers(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	rec := &regRecorder{}
	r.Observe(rec)
	r.Register("a", surfaceSource(1, 1))
	r.Unregister("a")
	r.Unregister("a")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.registered) != 1 || rec.registered[0] != "a" {
		t.Errorf("registered notifications: got %v", rec.registered)
	}
	if len(rec.unregistered) != 1 || rec.unregistered[0] != "a" {
		t.Errorf("unregistered notifications: got %v (double unregister must not re-notify)", rec.unregistered)
	}
}
