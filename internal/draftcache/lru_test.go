package draftcache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/keithlinneman/sitepress/internal/store"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[string, int](2)
	c.Add("a", 1)
	c.Add("b", 2)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a missing")
	}
	c.Add("c", 3) // evicts b, a was touched

	if _, ok := c.Get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("a = %v, %v", v, ok)
	}
	if v, ok := c.Get("c"); !ok || v != 3 {
		t.Fatalf("c = %v, %v", v, ok)
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d", c.Len())
	}
}

func TestLRU_AddReplaces(t *testing.T) {
	c := New[string, int](1)
	c.Add("a", 1)
	c.Add("a", 2)
	if v, _ := c.Get("a"); v != 2 || c.Len() != 1 {
		t.Fatalf("a = %d, len = %d", v, c.Len())
	}
}

func TestLRU_MinimumCapacity(t *testing.T) {
	c := New[int, int](0)
	c.Add(1, 1)
	c.Add(2, 2)
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestLRU_ConcurrentUse(t *testing.T) {
	c := New[int, int](64)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Add(g*1000+i, i)
				c.Get(i)
				if i%50 == 0 {
					c.Remove(g*1000 + i)
				}
			}
		}(g)
	}
	wg.Wait()
	if c.Len() > 64 {
		t.Fatalf("len = %d exceeds capacity", c.Len())
	}
}

func TestDrafts(t *testing.T) {
	d := NewDrafts(10)
	for i := 0; i < 3; i++ {
		d.Put(&store.Page{ProjectID: "p1", Slug: fmt.Sprintf("page-%d", i)})
	}
	d.Put(&store.Page{ProjectID: "p2", Slug: "page-0", Content: store.Content{HTML: "other"}})
	d.Put(nil)

	got, ok := d.Get("p2", "page-0")
	if !ok || got.Content.HTML != "other" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}

	// the cached copy is independent of the caller's value
	got.Content.HTML = "mutated"
	again, _ := d.Get("p2", "page-0")
	if again.Content.HTML != "other" {
		t.Fatal("cache entry mutated through returned pointer")
	}

	d.Forget("p1", "page-0")
	if _, ok := d.Get("p1", "page-0"); ok {
		t.Fatal("forgotten draft still cached")
	}
	d.ForgetProject("p1")
	if d.Len() != 1 {
		t.Fatalf("len after ForgetProject = %d, want 1", d.Len())
	}
}
