package usage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

var (
	ErrInvalidSize  = errors.New("unrecognized image size")
	ErrInvalidModel = errors.New("unrecognized tts model")
)

// Ledger owns the in-memory usage snapshot for one user and persists
// it to the cache file and the durable store after every mutation.
// Callers must serialize access per user; a Ledger is not safe for
// concurrent use.
type Ledger struct {
	userID int64
	store  Store
	cache  *FileCache
	prices Prices
	snap   *Snapshot

	now func() time.Time
}

// Open hydrates a Ledger for the given user: durable store first,
// cache file second, fresh zero snapshot last. Store and cache
// failures are logged and degrade to the next source; Open never
// fails because of a store outage.
func Open(ctx context.Context, store Store, cache *FileCache, userID int64, userName string, prices Prices) *Ledger {
	l := &Ledger{
		userID: userID,
		store:  store,
		cache:  cache,
		prices: prices,
		now:    time.Now,
	}

	if snap := l.loadFromStore(ctx, userName); snap != nil {
		l.snap = snap
		return l
	}
	if snap := l.loadFromCache(); snap != nil {
		l.snap = snap
		return l
	}

	l.snap = newSnapshot(userName, dateKey(l.now()))
	l.persist(ctx)
	return l
}

// loadFromStore reassembles a snapshot from the durable record. The
// store holds no vision/tts history, so those start empty; last_update
// is set to today, matching the stored running totals being current.
func (l *Ledger) loadFromStore(ctx context.Context, userName string) *Snapshot {
	rec, err := l.store.LoadSnapshot(ctx, l.userID)
	if err != nil {
		log.Printf("usage: store load failed for user %d, falling back to cache: %v", l.userID, err)
		return nil
	}
	if rec == nil {
		return nil
	}

	snap := newSnapshot(userName, dateKey(l.now()))
	*snap.CurrentCost.AllTime = rec.Costs.AllTime
	snap.CurrentCost.Day = rec.Costs.Day
	snap.CurrentCost.Month = rec.Costs.Month
	for _, row := range rec.ChatTokens {
		snap.History.ChatTokens[dateKey(row.Date)] = row.Tokens
	}
	for _, row := range rec.Transcription {
		snap.History.TranscriptionSeconds[dateKey(row.Date)] = row.Seconds
	}
	for _, row := range rec.Images {
		snap.History.NumberImages[dateKey(row.Date)] = row.Counts
	}
	return snap
}

func (l *Ledger) loadFromCache() *Snapshot {
	snap, err := l.cache.Load(l.userID)
	if err != nil {
		log.Printf("usage: cache read failed for user %d, starting fresh: %v", l.userID, err)
		return nil
	}
	if snap == nil {
		return nil
	}
	snap.backfill()
	return snap
}

// AddChatTokens records chat token usage. Price is USD per 1000
// tokens; the cost delta is rounded to 6 decimals.
func (l *Ledger) AddChatTokens(ctx context.Context, tokens int, pricePer1K float64) {
	cost := round(float64(tokens)*pricePer1K/1000, 6)
	l.addCost(cost)

	today := dateKey(l.now())
	l.snap.History.ChatTokens[today] += tokens
	l.persist(ctx)
}

// AddImageRequest records one generated image of the given size.
// Prices are index-aligned with ImageSizes.
func (l *Ledger) AddImageRequest(ctx context.Context, size string, prices [3]float64) error {
	tier := imageSizeIndex(size)
	if tier < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidSize, size)
	}
	l.addCost(prices[tier])

	today := dateKey(l.now())
	counts := l.snap.History.NumberImages[today]
	counts[tier]++
	l.snap.History.NumberImages[today] = counts
	l.persist(ctx)
	return nil
}

// AddVisionTokens records vision token usage. Price is USD per 1000
// tokens; the cost delta is rounded to 2 decimals.
func (l *Ledger) AddVisionTokens(ctx context.Context, tokens int, pricePer1K float64) {
	cost := round(float64(tokens)*pricePer1K/1000, 2)
	l.addCost(cost)

	today := dateKey(l.now())
	l.snap.History.VisionTokens[today] += tokens
	l.persist(ctx)
}

// AddTTSRequest records characters synthesized by the given model.
// Prices are index-aligned with TTSModels, USD per 1000 characters.
func (l *Ledger) AddTTSRequest(ctx context.Context, characters int, model string, prices [2]float64) error {
	idx := ttsModelIndex(model)
	if idx < 0 {
		return fmt.Errorf("%w: %q", ErrInvalidModel, model)
	}
	cost := round(float64(characters)*prices[idx]/1000, 2)
	l.addCost(cost)

	today := dateKey(l.now())
	if l.snap.History.TTSCharacters[model] == nil {
		l.snap.History.TTSCharacters[model] = map[string]int{}
	}
	l.snap.History.TTSCharacters[model][today] += characters
	l.persist(ctx)
	return nil
}

// AddTranscriptionSeconds records transcribed audio. Price is USD per
// minute; the cost delta is rounded to 2 decimals.
func (l *Ledger) AddTranscriptionSeconds(ctx context.Context, seconds, minutePrice float64) {
	cost := round(seconds*minutePrice/60, 2)
	l.addCost(cost)

	today := dateKey(l.now())
	l.snap.History.TranscriptionSeconds[today] += seconds
	l.persist(ctx)
}

// addCost folds a cost delta into the day/month/all-time accumulators,
// rolling the day and month buckets over when the calendar date has
// moved past last_update.
func (l *Ledger) addCost(delta float64) {
	today := dateKey(l.now())
	cc := &l.snap.CurrentCost

	if cc.AllTime == nil {
		total := l.reconstructAllTimeCost()
		cc.AllTime = &total
	}
	*cc.AllTime += delta

	switch {
	case today == cc.LastUpdate:
		cc.Day += delta
		cc.Month += delta
	case yearMonth(today) == yearMonth(cc.LastUpdate):
		cc.Month += delta
		cc.Day = delta
		cc.LastUpdate = today
	default:
		cc.Month = delta
		cc.Day = delta
		cc.LastUpdate = today
	}
}

// reconstructAllTimeCost recomputes the cumulative cost from the full
// usage history under the configured prices. Only used as a one-time
// backfill for snapshots hydrated without a running total.
func (l *Ledger) reconstructAllTimeCost() float64 {
	h := l.snap.History

	var tokens int
	for _, n := range h.ChatTokens {
		tokens += n
	}
	tokenCost := round(float64(tokens)*l.prices.ChatTokens/1000, 6)

	var imageTotals [3]int
	for _, counts := range h.NumberImages {
		for i, n := range counts {
			imageTotals[i] += n
		}
	}
	var imageCost float64
	for i, n := range imageTotals {
		imageCost += float64(n) * l.prices.Images[i]
	}

	var seconds float64
	for _, s := range h.TranscriptionSeconds {
		seconds += s
	}
	transcriptionCost := round(seconds*l.prices.TranscriptionMinute/60, 2)

	var visionTokens int
	for _, n := range h.VisionTokens {
		visionTokens += n
	}
	visionCost := round(float64(visionTokens)*l.prices.VisionTokens/1000, 2)

	var ttsCost float64
	for model, dates := range h.TTSCharacters {
		idx := ttsModelIndex(model)
		if idx < 0 {
			continue
		}
		var characters int
		for _, n := range dates {
			characters += n
		}
		ttsCost += float64(characters) * l.prices.TTS[idx] / 1000
	}
	ttsCost = round(ttsCost, 2)

	return tokenCost + transcriptionCost + imageCost + visionCost + ttsCost
}

// persist writes the snapshot to the cache file and the durable store.
// Both writes are best-effort: failures are logged, the in-memory
// state stays authoritative until the next successful write.
func (l *Ledger) persist(ctx context.Context) {
	if err := l.cache.Save(l.userID, l.snap); err != nil {
		log.Printf("usage: cache write failed for user %d: %v", l.userID, err)
	}
	if err := l.store.PersistSnapshot(ctx, l.userID, l.snap); err != nil {
		log.Printf("usage: store write failed for user %d: %v", l.userID, err)
	}
}

// TokenUsage returns chat tokens used today and this month.
func (l *Ledger) TokenUsage() (day, month int) {
	today := dateKey(l.now())
	day = l.snap.History.ChatTokens[today]
	prefix := yearMonth(today)
	for date, tokens := range l.snap.History.ChatTokens {
		if yearMonth(date) == prefix {
			month += tokens
		}
	}
	return day, month
}

// ImageCount returns images generated today and this month, summed
// across size tiers.
func (l *Ledger) ImageCount() (day, month int) {
	today := dateKey(l.now())
	for _, n := range l.snap.History.NumberImages[today] {
		day += n
	}
	prefix := yearMonth(today)
	for date, counts := range l.snap.History.NumberImages {
		if yearMonth(date) != prefix {
			continue
		}
		for _, n := range counts {
			month += n
		}
	}
	return day, month
}

// VisionTokenUsage returns vision tokens used today and this month.
func (l *Ledger) VisionTokenUsage() (day, month int) {
	today := dateKey(l.now())
	day = l.snap.History.VisionTokens[today]
	prefix := yearMonth(today)
	for date, tokens := range l.snap.History.VisionTokens {
		if yearMonth(date) == prefix {
			month += tokens
		}
	}
	return day, month
}

// TTSUsage returns characters synthesized today and this month, summed
// across models.
func (l *Ledger) TTSUsage() (day, month int) {
	today := dateKey(l.now())
	prefix := yearMonth(today)
	for _, dates := range l.snap.History.TTSCharacters {
		day += dates[today]
		for date, characters := range dates {
			if yearMonth(date) == prefix {
				month += characters
			}
		}
	}
	return day, month
}

// TranscriptionDuration returns transcribed audio for today and this
// month, each decomposed into whole minutes and remainder seconds.
func (l *Ledger) TranscriptionDuration() (minutesDay int, secondsDay float64, minutesMonth int, secondsMonth float64) {
	today := dateKey(l.now())
	dayTotal := l.snap.History.TranscriptionSeconds[today]
	prefix := yearMonth(today)
	var monthTotal float64
	for date, seconds := range l.snap.History.TranscriptionSeconds {
		if yearMonth(date) == prefix {
			monthTotal += seconds
		}
	}
	minutesDay, secondsDay = splitMinutes(dayTotal)
	minutesMonth, secondsMonth = splitMinutes(monthTotal)
	return minutesDay, secondsDay, minutesMonth, secondsMonth
}

func splitMinutes(total float64) (int, float64) {
	minutes := int(total / 60)
	return minutes, round(total-float64(minutes)*60, 2)
}

// CostReport is the day/month/all-time cost summary returned to
// callers.
type CostReport struct {
	CostToday   float64 `json:"cost_today"`
	CostMonth   float64 `json:"cost_month"`
	CostAllTime float64 `json:"cost_all_time"`
}

// CurrentCost reports accrued cost with query-time staleness masking:
// if no event has been recorded today the day cost reads zero, and the
// month cost reads zero once the calendar month has moved on. No
// rollover is applied to the stored accumulators.
func (l *Ledger) CurrentCost() CostReport {
	today := dateKey(l.now())
	cc := &l.snap.CurrentCost

	var report CostReport
	switch {
	case today == cc.LastUpdate:
		report.CostToday = cc.Day
		report.CostMonth = cc.Month
	case yearMonth(today) == yearMonth(cc.LastUpdate):
		report.CostMonth = cc.Month
	}

	if cc.AllTime == nil {
		total := l.reconstructAllTimeCost()
		cc.AllTime = &total
	}
	report.CostAllTime = *cc.AllTime
	return report
}

// UserName returns the display name the snapshot was opened with.
func (l *Ledger) UserName() string {
	return l.snap.UserName
}
