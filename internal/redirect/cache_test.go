package redirect

import (
	"fmt"
	"testing"
)

func TestResolveMiss(t *testing.T) {
	t.Parallel()

	c := NewCache(0)
	got, hit := c.Resolve("https://ingest.example.com/whip/abc")
	if hit {
		t.Fatal("expected miss on empty cache")
	}
	if got != "https://ingest.example.com/whip/abc" {
		t.Errorf("Resolve on miss: got %q, want input unchanged", got)
	}
}

func TestObserveIdenticalURLNotCached(t *testing.T) {
	t.Parallel()

	c := NewCache(0)
	c.Observe("https://ingest.example.com/whip/abc", "https://ingest.example.com/whip/abc")
	if c.Len() != 0 {
		t.Errorf("Len: got %d, want 0", c.Len())
	}
}

func TestRoundTripSubstitutesCurrentSegment(t *testing.T) {
	t.Parallel()

	c := NewCache(0)
	c.Observe(
		"https://edge.example.com/whep/abc",
		"https://node7.cdn.example.net/live/whep/abc",
	)

	// A later connect to the same logical endpoint with a different id
	// must be rewritten with its own id, not the one observed during
	// the redirect.
	got, hit := c.Resolve("https://edge.example.com/whep/xyz")
	if !hit {
		t.Fatal("expected hit for same endpoint with different id")
	}
	if want := "https://node7.cdn.example.net/live/whep/xyz"; got != want {
		t.Errorf("Resolve: got %q, want %q", got, want)
	}

	got, hit = c.Resolve("https://edge.example.com/whep/abc")
	if !hit {
		t.Fatal("expected hit for the observed URL")
	}
	if want := "https://node7.cdn.example.net/live/whep/abc"; got != want {
		t.Errorf("Resolve: got %q, want %q", got, want)
	}
}

func TestDifferentEndpointDoesNotHit(t *testing.T) {
	t.Parallel()

	c := NewCache(0)
	c.Observe(
		"https://edge.example.com/whep/abc",
		"https://node7.cdn.example.net/live/whep/abc",
	)
	if _, hit := c.Resolve("https://edge.example.com/whip/abc"); hit {
		t.Error("a different endpoint path must not hit the cached template")
	}
	if _, hit := c.Resolve("https://other.example.com/whep/abc"); hit {
		t.Error("a different host must not hit the cached template")
	}
}

func TestLRUEviction(t *testing.T) {
	t.Parallel()

	c := NewCache(2)
	for i := 0; i < 3; i++ {
		c.Observe(
			fmt.Sprintf("https://edge%d.example.com/whep/s", i),
			fmt.Sprintf("https://node.cdn.example.net/e%d/s", i),
		)
	}
	if c.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", c.Len())
	}
	if _, hit := c.Resolve("https://edge0.example.com/whep/s"); hit {
		t.Error("oldest entry should have been evicted")
	}
	if _, hit := c.Resolve("https://edge2.example.com/whep/s"); !hit {
		t.Error("newest entry should be present")
	}
}

func TestObserveIgnoresUnmaskableURL(t *testing.T) {
	t.Parallel()

	c := NewCache(0)
	c.Observe("https://a.example.com", "https://b.example.com/whep/abc")
	if c.Len() != 0 {
		t.Errorf("Len: got %d, want 0", c.Len())
	}
}
