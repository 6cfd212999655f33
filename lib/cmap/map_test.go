package cmap

import (
	"sync"
	"testing"
)

func TestMapBasicOperations(t *testing.T) {
	m := NewMap[string, int]()

	if _, exists := m.Get("a"); exists {
		t.Error("empty map should have no keys")
	}

	m.Set("a", 1)
	v, exists := m.Get("a")
	if !exists || *v != 1 {
		t.Errorf("expected 1, got %v exists=%v", v, exists)
	}

	m.Delete("a")
	if _, exists := m.Get("a"); exists {
		t.Error("deleted key should be gone")
	}
}

func TestMapGetOrSet(t *testing.T) {
	m := NewMap[string, int]()

	v, loaded := m.GetOrSet("a", 1)
	if loaded || v != 1 {
		t.Errorf("first GetOrSet should store, got %d loaded=%v", v, loaded)
	}

	v, loaded = m.GetOrSet("a", 2)
	if !loaded || v != 1 {
		t.Errorf("second GetOrSet should load the original, got %d loaded=%v", v, loaded)
	}
}

func TestMapConcurrentAccess(t *testing.T) {
	m := NewMap[int, int]()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			m.Set(n, n)
		}(i)
	}
	wg.Wait()

	if m.Len() != 100 {
		t.Errorf("expected 100 entries, got %d", m.Len())
	}
}
