package usage

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Mock Store
type mockStore struct {
	loadFunc     func(ctx context.Context, userID int64) (*SnapshotRecord, error)
	persistFunc  func(ctx context.Context, userID int64, snap *Snapshot) error
	persistCalls int
}

func (m *mockStore) LoadSnapshot(ctx context.Context, userID int64) (*SnapshotRecord, error) {
	if m.loadFunc != nil {
		return m.loadFunc(ctx, userID)
	}
	return nil, nil
}

func (m *mockStore) PersistSnapshot(ctx context.Context, userID int64, snap *Snapshot) error {
	m.persistCalls++
	if m.persistFunc != nil {
		return m.persistFunc(ctx, userID, snap)
	}
	return nil
}

var testPrices = Prices{
	ChatTokens:          0.002,
	Images:              [3]float64{0.016, 0.018, 0.02},
	VisionTokens:        0.01,
	TTS:                 [2]float64{0.015, 0.030},
	TranscriptionMinute: 0.006,
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestLedger(t *testing.T) (*Ledger, *mockStore) {
	t.Helper()
	store := &mockStore{}
	l := Open(context.Background(), store, NewFileCache(t.TempDir()), 42, "@tester", testPrices)
	return l, store
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestOpenFreshPersistsZeroSnapshot(t *testing.T) {
	dir := t.TempDir()
	store := &mockStore{}
	l := Open(context.Background(), store, NewFileCache(dir), 42, "@tester", testPrices)

	if l.snap.UserName != "@tester" {
		t.Errorf("Expected user name @tester, got %q", l.snap.UserName)
	}
	if l.snap.CurrentCost.Day != 0 || l.snap.CurrentCost.Month != 0 {
		t.Errorf("Expected zero day/month cost, got %v/%v", l.snap.CurrentCost.Day, l.snap.CurrentCost.Month)
	}
	if l.snap.CurrentCost.AllTime == nil || *l.snap.CurrentCost.AllTime != 0 {
		t.Errorf("Expected zero all-time cost, got %v", l.snap.CurrentCost.AllTime)
	}
	if l.snap.CurrentCost.LastUpdate != time.Now().Format(DateLayout) {
		t.Errorf("Expected last_update today, got %q", l.snap.CurrentCost.LastUpdate)
	}
	if store.persistCalls != 1 {
		t.Errorf("Expected fresh snapshot persisted to store once, got %d calls", store.persistCalls)
	}
	if _, err := os.Stat(filepath.Join(dir, "42.json")); err != nil {
		t.Errorf("Expected fresh snapshot written to cache: %v", err)
	}
}

func TestOpenPrefersStoreOverCache(t *testing.T) {
	dir := t.TempDir()
	cache := NewFileCache(dir)

	// Stale cache content the store record must win over.
	stale := newSnapshot("@stale", "2020-01-01")
	stale.History.ChatTokens["2020-01-01"] = 99999
	if err := cache.Save(42, stale); err != nil {
		t.Fatalf("failed to seed cache: %v", err)
	}

	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	store := &mockStore{
		loadFunc: func(ctx context.Context, userID int64) (*SnapshotRecord, error) {
			return &SnapshotRecord{
				Costs:         CostRecord{Day: 0.5, Month: 2.5, AllTime: 10.25},
				ChatTokens:    []TokenRow{{Date: day, Tokens: 1532}},
				Transcription: []SecondsRow{{Date: day, Seconds: 64}},
				Images:        []ImageRow{{Date: day, Counts: [3]int{0, 1, 2}}},
			}, nil
		},
	}

	l := Open(context.Background(), store, cache, 42, "@tester", testPrices)

	if l.snap.CurrentCost.Day != 0.5 || l.snap.CurrentCost.Month != 2.5 {
		t.Errorf("Expected stored costs 0.5/2.5, got %v/%v", l.snap.CurrentCost.Day, l.snap.CurrentCost.Month)
	}
	if l.snap.CurrentCost.AllTime == nil || *l.snap.CurrentCost.AllTime != 10.25 {
		t.Errorf("Expected stored all-time 10.25, got %v", l.snap.CurrentCost.AllTime)
	}
	if l.snap.CurrentCost.LastUpdate != time.Now().Format(DateLayout) {
		t.Errorf("Expected last_update set to reconstruction date, got %q", l.snap.CurrentCost.LastUpdate)
	}
	if got := l.snap.History.ChatTokens["2024-03-10"]; got != 1532 {
		t.Errorf("Expected 1532 chat tokens from store, got %d", got)
	}
	if got := l.snap.History.TranscriptionSeconds["2024-03-10"]; got != 64 {
		t.Errorf("Expected 64 transcription seconds from store, got %v", got)
	}
	if got := l.snap.History.NumberImages["2024-03-10"]; got != [3]int{0, 1, 2} {
		t.Errorf("Expected image counts [0 1 2], got %v", got)
	}
	if len(l.snap.History.VisionTokens) != 0 || len(l.snap.History.TTSCharacters) != 0 {
		t.Error("Expected empty vision/tts history on store hydration")
	}
	if l.snap.History.ChatTokens["2020-01-01"] != 0 {
		t.Error("Cache content leaked into store-hydrated snapshot")
	}
}

func TestOpenFallsBackToCache(t *testing.T) {
	dir := t.TempDir()

	// A legacy cache file without vision/tts categories or all_time.
	legacy := `{
		"user_name": "@cached",
		"current_cost": {"day": 0.45, "month": 3.23, "last_update": "2023-03-14"},
		"usage_history": {
			"chat_tokens": {"2023-03-14": 1532},
			"transcription_seconds": {"2023-03-13": 125},
			"number_images": {"2023-03-14": [0, 1, 2]}
		}
	}`
	if err := os.WriteFile(filepath.Join(dir, "42.json"), []byte(legacy), 0o644); err != nil {
		t.Fatalf("failed to write cache file: %v", err)
	}

	l := Open(context.Background(), &mockStore{}, NewFileCache(dir), 42, "@tester", testPrices)

	if l.snap.UserName != "@cached" {
		t.Errorf("Expected cached user name, got %q", l.snap.UserName)
	}
	if l.snap.CurrentCost.Day != 0.45 {
		t.Errorf("Expected cached day cost 0.45, got %v", l.snap.CurrentCost.Day)
	}
	if l.snap.CurrentCost.AllTime != nil {
		t.Errorf("Expected absent all-time cost, got %v", *l.snap.CurrentCost.AllTime)
	}
	if l.snap.History.VisionTokens == nil || l.snap.History.TTSCharacters == nil {
		t.Error("Expected vision/tts history backfilled with empty maps")
	}
}

func TestOpenStoreErrorIsNonFatal(t *testing.T) {
	store := &mockStore{
		loadFunc: func(ctx context.Context, userID int64) (*SnapshotRecord, error) {
			return nil, errors.New("connection refused")
		},
	}
	l := Open(context.Background(), store, NewFileCache(t.TempDir()), 42, "@tester", testPrices)

	if l == nil || l.snap == nil {
		t.Fatal("Expected ledger despite store outage")
	}
	if l.snap.CurrentCost.Day != 0 {
		t.Errorf("Expected fresh snapshot, got day cost %v", l.snap.CurrentCost.Day)
	}
}

func TestOpenMalformedCacheStartsFresh(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "42.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("failed to write cache file: %v", err)
	}

	l := Open(context.Background(), &mockStore{}, NewFileCache(dir), 42, "@tester", testPrices)

	if l.snap.UserName != "@tester" || l.snap.CurrentCost.Day != 0 {
		t.Error("Expected fresh snapshot after malformed cache file")
	}
}

func TestAddChatTokensCostAndHistory(t *testing.T) {
	l, store := newTestLedger(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	l.now = fixedClock(now)
	l.snap.CurrentCost.LastUpdate = "2024-03-10"
	ctx := context.Background()

	l.AddChatTokens(ctx, 500, 0.002)

	if !almostEqual(l.snap.CurrentCost.Day, 0.001) {
		t.Errorf("Expected day cost 0.001, got %v", l.snap.CurrentCost.Day)
	}
	if got := l.snap.History.ChatTokens["2024-03-10"]; got != 500 {
		t.Errorf("Expected 500 tokens recorded, got %d", got)
	}

	l.AddChatTokens(ctx, 250, 0.002)

	if !almostEqual(l.snap.CurrentCost.Day, 0.0015) {
		t.Errorf("Expected day cost 0.0015, got %v", l.snap.CurrentCost.Day)
	}
	if got := l.snap.History.ChatTokens["2024-03-10"]; got != 750 {
		t.Errorf("Expected cumulative 750 tokens, got %d", got)
	}
	// One persist from Open plus one per recording.
	if store.persistCalls != 3 {
		t.Errorf("Expected 3 store persists, got %d", store.persistCalls)
	}

	day, month := l.TokenUsage()
	if day != 750 || month != 750 {
		t.Errorf("Expected 750/750 token usage, got %d/%d", day, month)
	}
}

func TestAddImageRequest(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	l.snap.CurrentCost.LastUpdate = "2024-03-10"
	ctx := context.Background()

	if err := l.AddImageRequest(ctx, "1024x1024", testPrices.Images); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !almostEqual(l.snap.CurrentCost.Day, 0.02) {
		t.Errorf("Expected day cost 0.02, got %v", l.snap.CurrentCost.Day)
	}
	if got := l.snap.History.NumberImages["2024-03-10"]; got != [3]int{0, 0, 1} {
		t.Errorf("Expected counts [0 0 1], got %v", got)
	}

	if err := l.AddImageRequest(ctx, "256x256", testPrices.Images); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := l.snap.History.NumberImages["2024-03-10"]; got != [3]int{1, 0, 1} {
		t.Errorf("Expected counts [1 0 1], got %v", got)
	}

	day, month := l.ImageCount()
	if day != 2 || month != 2 {
		t.Errorf("Expected 2/2 images, got %d/%d", day, month)
	}
}

func TestAddImageRequestInvalidSize(t *testing.T) {
	l, store := newTestLedger(t)
	persistsAfterOpen := store.persistCalls

	err := l.AddImageRequest(context.Background(), "999x999", testPrices.Images)
	if !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("Expected ErrInvalidSize, got %v", err)
	}
	if len(l.snap.History.NumberImages) != 0 {
		t.Error("Expected no history mutation on invalid size")
	}
	if l.snap.CurrentCost.Day != 0 {
		t.Errorf("Expected no cost mutation, got day %v", l.snap.CurrentCost.Day)
	}
	if store.persistCalls != persistsAfterOpen {
		t.Error("Expected no persistence on invalid size")
	}
}

func TestAddTTSRequest(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	l.snap.CurrentCost.LastUpdate = "2024-03-10"
	ctx := context.Background()

	if err := l.AddTTSRequest(ctx, 2000, "tts-1", testPrices.TTS); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(l.snap.CurrentCost.Day, 0.03) {
		t.Errorf("Expected day cost 0.03, got %v", l.snap.CurrentCost.Day)
	}
	if got := l.snap.History.TTSCharacters["tts-1"]["2024-03-10"]; got != 2000 {
		t.Errorf("Expected 2000 characters for tts-1, got %d", got)
	}

	if err := l.AddTTSRequest(ctx, 1000, "tts-1-hd", testPrices.TTS); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !almostEqual(l.snap.CurrentCost.Day, 0.06) {
		t.Errorf("Expected day cost 0.06, got %v", l.snap.CurrentCost.Day)
	}

	day, month := l.TTSUsage()
	if day != 3000 || month != 3000 {
		t.Errorf("Expected 3000/3000 characters, got %d/%d", day, month)
	}
}

func TestAddTTSRequestInvalidModel(t *testing.T) {
	l, store := newTestLedger(t)
	persistsAfterOpen := store.persistCalls

	err := l.AddTTSRequest(context.Background(), 1000, "tts-3", testPrices.TTS)
	if !errors.Is(err, ErrInvalidModel) {
		t.Fatalf("Expected ErrInvalidModel, got %v", err)
	}
	if len(l.snap.History.TTSCharacters) != 0 {
		t.Error("Expected no history mutation on invalid model")
	}
	if store.persistCalls != persistsAfterOpen {
		t.Error("Expected no persistence on invalid model")
	}
}

func TestAddTranscriptionSeconds(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	l.snap.CurrentCost.LastUpdate = "2024-03-10"

	l.AddTranscriptionSeconds(context.Background(), 90, 0.006)

	if !almostEqual(l.snap.CurrentCost.Day, 0.01) {
		t.Errorf("Expected day cost 0.01, got %v", l.snap.CurrentCost.Day)
	}
	if got := l.snap.History.TranscriptionSeconds["2024-03-10"]; got != 90 {
		t.Errorf("Expected 90 seconds recorded, got %v", got)
	}
}

func TestAddVisionTokens(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	l.snap.CurrentCost.LastUpdate = "2024-03-10"

	l.AddVisionTokens(context.Background(), 3000, 0.01)

	if !almostEqual(l.snap.CurrentCost.Day, 0.03) {
		t.Errorf("Expected day cost 0.03, got %v", l.snap.CurrentCost.Day)
	}
	if got := l.snap.History.VisionTokens["2024-03-10"]; got != 3000 {
		t.Errorf("Expected 3000 vision tokens, got %d", got)
	}

	day, month := l.VisionTokenUsage()
	if day != 3000 || month != 3000 {
		t.Errorf("Expected 3000/3000 vision tokens, got %d/%d", day, month)
	}
}

func TestRolloverNewDaySameMonth(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC))
	l.snap.CurrentCost.LastUpdate = "2024-01-30"
	l.snap.CurrentCost.Day = 1.0
	l.snap.CurrentCost.Month = 5.0
	allTime := 10.0
	l.snap.CurrentCost.AllTime = &allTime

	l.AddChatTokens(context.Background(), 500, 0.002) // delta 0.001

	cc := l.snap.CurrentCost
	if !almostEqual(cc.Day, 0.001) {
		t.Errorf("Expected day reset to 0.001, got %v", cc.Day)
	}
	if !almostEqual(cc.Month, 5.001) {
		t.Errorf("Expected month accrued to 5.001, got %v", cc.Month)
	}
	if !almostEqual(*cc.AllTime, 10.001) {
		t.Errorf("Expected all-time 10.001, got %v", *cc.AllTime)
	}
	if cc.LastUpdate != "2024-01-31" {
		t.Errorf("Expected last_update 2024-01-31, got %q", cc.LastUpdate)
	}
}

func TestRolloverNewMonth(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC))
	l.snap.CurrentCost.LastUpdate = "2024-01-31"
	l.snap.CurrentCost.Day = 1.0
	l.snap.CurrentCost.Month = 5.0
	allTime := 10.0
	l.snap.CurrentCost.AllTime = &allTime

	l.AddChatTokens(context.Background(), 500, 0.002)

	cc := l.snap.CurrentCost
	if !almostEqual(cc.Day, 0.001) {
		t.Errorf("Expected day reset to 0.001, got %v", cc.Day)
	}
	if !almostEqual(cc.Month, 0.001) {
		t.Errorf("Expected month reset to 0.001, got %v", cc.Month)
	}
	if !almostEqual(*cc.AllTime, 10.001) {
		t.Errorf("Expected all-time 10.001, got %v", *cc.AllTime)
	}
	if cc.LastUpdate != "2024-02-01" {
		t.Errorf("Expected last_update 2024-02-01, got %q", cc.LastUpdate)
	}
}

func TestRolloverAcrossYearSameMonthNumber(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC))
	l.snap.CurrentCost.LastUpdate = "2024-01-15"
	l.snap.CurrentCost.Day = 1.0
	l.snap.CurrentCost.Month = 5.0
	allTime := 10.0
	l.snap.CurrentCost.AllTime = &allTime

	l.AddChatTokens(context.Background(), 500, 0.002)

	// January 2024 and January 2025 are different months.
	if !almostEqual(l.snap.CurrentCost.Month, 0.001) {
		t.Errorf("Expected month reset across year boundary, got %v", l.snap.CurrentCost.Month)
	}
}

func TestSameDayAccrual(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC))
	l.snap.CurrentCost.LastUpdate = "2024-01-31"
	ctx := context.Background()

	l.AddChatTokens(ctx, 500, 0.002)
	if err := l.AddImageRequest(ctx, "1024x1024", testPrices.Images); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cc := l.snap.CurrentCost
	if !almostEqual(cc.Day, 0.021) {
		t.Errorf("Expected day cost 0.021, got %v", cc.Day)
	}
	if !almostEqual(cc.Month, 0.021) {
		t.Errorf("Expected month cost 0.021, got %v", cc.Month)
	}
	if cc.LastUpdate != "2024-01-31" {
		t.Errorf("Expected last_update unchanged, got %q", cc.LastUpdate)
	}
}

func TestAllTimeReconstructionMatchesAccrual(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	l.snap.CurrentCost.LastUpdate = "2024-03-10"
	ctx := context.Background()

	l.AddChatTokens(ctx, 1500, testPrices.ChatTokens)
	if err := l.AddImageRequest(ctx, "512x512", testPrices.Images); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.AddVisionTokens(ctx, 2000, testPrices.VisionTokens)
	if err := l.AddTTSRequest(ctx, 4000, "tts-1-hd", testPrices.TTS); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.AddTranscriptionSeconds(ctx, 300, testPrices.TranscriptionMinute)

	accrued := *l.snap.CurrentCost.AllTime

	// Drop the running total and force a reconstruction from history.
	l.snap.CurrentCost.AllTime = nil
	got := l.CurrentCost().CostAllTime

	if math.Abs(got-accrued) > 1e-6 {
		t.Errorf("Reconstruction %v diverges from accrual %v", got, accrued)
	}
}

func TestCurrentCostStalenessMasking(t *testing.T) {
	l, _ := newTestLedger(t)
	l.snap.CurrentCost.Day = 0.45
	l.snap.CurrentCost.Month = 3.23
	allTime := 7.5
	l.snap.CurrentCost.AllTime = &allTime
	l.snap.CurrentCost.LastUpdate = "2024-01-30"

	// Next day, same month: day masked, month visible.
	l.now = fixedClock(time.Date(2024, 1, 31, 9, 0, 0, 0, time.UTC))
	report := l.CurrentCost()
	if report.CostToday != 0 {
		t.Errorf("Expected masked day cost, got %v", report.CostToday)
	}
	if !almostEqual(report.CostMonth, 3.23) {
		t.Errorf("Expected month cost 3.23, got %v", report.CostMonth)
	}
	if !almostEqual(report.CostAllTime, 7.5) {
		t.Errorf("Expected all-time 7.5, got %v", report.CostAllTime)
	}

	// Next month: both masked.
	l.now = fixedClock(time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC))
	report = l.CurrentCost()
	if report.CostToday != 0 || report.CostMonth != 0 {
		t.Errorf("Expected both masked, got %v/%v", report.CostToday, report.CostMonth)
	}

	// Query must not mutate the stored accumulators.
	if l.snap.CurrentCost.Day != 0.45 || l.snap.CurrentCost.Month != 3.23 {
		t.Error("Query mutated stored accumulators")
	}
	if l.snap.CurrentCost.LastUpdate != "2024-01-30" {
		t.Error("Query mutated last_update")
	}
}

func TestTranscriptionDuration(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC))
	l.snap.History.TranscriptionSeconds["2024-03-14"] = 125
	l.snap.History.TranscriptionSeconds["2024-03-13"] = 64
	l.snap.History.TranscriptionSeconds["2024-02-13"] = 500 // previous month

	minDay, secDay, minMonth, secMonth := l.TranscriptionDuration()
	if minDay != 2 || !almostEqual(secDay, 5) {
		t.Errorf("Expected 2m5s today, got %dm%vs", minDay, secDay)
	}
	if minMonth != 3 || !almostEqual(secMonth, 9) {
		t.Errorf("Expected 3m9s this month, got %dm%vs", minMonth, secMonth)
	}
}

func TestMonthTotalsExcludeOtherMonths(t *testing.T) {
	l, _ := newTestLedger(t)
	l.now = fixedClock(time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC))
	l.snap.History.ChatTokens["2024-03-13"] = 520
	l.snap.History.ChatTokens["2024-03-14"] = 1532
	l.snap.History.ChatTokens["2024-02-28"] = 9000
	l.snap.History.ChatTokens["2023-03-14"] = 7000 // same month number, other year

	day, month := l.TokenUsage()
	if day != 1532 {
		t.Errorf("Expected 1532 tokens today, got %d", day)
	}
	if month != 2052 {
		t.Errorf("Expected 2052 tokens this month, got %d", month)
	}
}

func TestPersistFailuresDoNotRollBack(t *testing.T) {
	store := &mockStore{
		persistFunc: func(ctx context.Context, userID int64, snap *Snapshot) error {
			return errors.New("connection refused")
		},
	}
	l := Open(context.Background(), store, NewFileCache(t.TempDir()), 42, "@tester", testPrices)
	l.now = fixedClock(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	l.snap.CurrentCost.LastUpdate = "2024-03-10"

	l.AddChatTokens(context.Background(), 500, 0.002)

	if got := l.snap.History.ChatTokens["2024-03-10"]; got != 500 {
		t.Errorf("Expected in-memory mutation kept despite store failure, got %d", got)
	}
	if !almostEqual(l.snap.CurrentCost.Day, 0.001) {
		t.Errorf("Expected day cost 0.001 despite store failure, got %v", l.snap.CurrentCost.Day)
	}
}
