package usage

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestCacheRoundTrip(t *testing.T) {
	cache := NewFileCache(t.TempDir())

	snap := newSnapshot("@tester", "2024-03-14")
	snap.CurrentCost.Day = 0.45
	snap.CurrentCost.Month = 3.23
	allTime := 3.23
	snap.CurrentCost.AllTime = &allTime
	snap.History.ChatTokens["2024-03-13"] = 520
	snap.History.ChatTokens["2024-03-14"] = 1532
	snap.History.TranscriptionSeconds["2024-03-14"] = 64.5
	snap.History.NumberImages["2024-03-14"] = [3]int{0, 1, 2}
	snap.History.VisionTokens["2024-03-14"] = 250
	snap.History.TTSCharacters["tts-1"] = map[string]int{"2024-03-14": 1800}

	if err := cache.Save(42, snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := cache.Load(42)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("Expected snapshot, got nil")
	}
	if !reflect.DeepEqual(loaded, snap) {
		t.Errorf("Round trip mismatch:\n got %+v\nwant %+v", loaded, snap)
	}
}

func TestCacheLoadMissingFile(t *testing.T) {
	cache := NewFileCache(t.TempDir())

	snap, err := cache.Load(999)
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if snap != nil {
		t.Errorf("Expected nil snapshot for missing file, got %+v", snap)
	}
}

func TestCacheLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	cache := NewFileCache(dir)
	if err := os.WriteFile(filepath.Join(dir, "42.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := cache.Load(42); err == nil {
		t.Error("Expected error for malformed cache file")
	}
}

func TestCacheSaveCreatesDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "usage_logs")
	cache := NewFileCache(root)

	if err := cache.Save(42, newSnapshot("@tester", "2024-03-14")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "42.json")); err != nil {
		t.Errorf("Expected cache file created: %v", err)
	}
}
