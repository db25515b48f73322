package kvstore

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestMemStoreRoundTrip(t *testing.T) {
	s := NewMemStore()
	if _, ok := s.Get("missing"); ok {
		t.Fatalf("missing key must report false")
	}
	s.Set("a", "1")
	if v, ok := s.Get("a"); !ok || v != "1" {
		t.Fatalf("got %q, %v", v, ok)
	}
	s.Delete("a")
	if _, ok := s.Get("a"); ok {
		t.Fatalf("deleted key must be gone")
	}
}

func TestKeysPrefixFilter(t *testing.T) {
	s := NewMemStore()
	s.Set("memory.chat", "x")
	s.Set("memory.review", "y")
	s.Set("telemetry.daily", "z")

	keys := s.Keys("memory.")
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "memory.chat" || keys[1] != "memory.review" {
		t.Fatalf("keys %v", keys)
	}
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemStore()
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	if err := SetJSON(s, "p", payload{Name: "x", Count: 3}); err != nil {
		t.Fatalf("set: %v", err)
	}
	var out payload
	found, err := GetJSON(s, "p", &out)
	if err != nil || !found || out.Count != 3 {
		t.Fatalf("get: %+v, %v, %v", out, found, err)
	}
	if found, err := GetJSON(s, "absent", &out); found || err != nil {
		t.Fatalf("absent key: %v, %v", found, err)
	}

	s.Set("corrupt", "{not json")
	if _, err := GetJSON(s, "corrupt", &out); err == nil {
		t.Fatalf("corrupt value must error")
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Set("conversations", `[{"role":"user"}]`)

	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := reopened.Get("conversations"); !ok || v != `[{"role":"user"}]` {
		t.Fatalf("got %q, %v", v, ok)
	}
}

func TestFileStoreSanitizesKeys(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Set("../escape/attempt", "v")

	// The write must land inside the base directory.
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries %v, %v", entries, err)
	}
	if filepath.Dir(filepath.Join(dir, entries[0].Name())) != dir {
		t.Fatalf("file escaped the base dir")
	}
	if v, ok := s.Get("../escape/attempt"); !ok || v != "v" {
		t.Fatalf("sanitized key must still round-trip, got %q %v", v, ok)
	}
}
