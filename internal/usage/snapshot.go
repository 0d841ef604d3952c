package usage

import (
	"math"
	"time"
)

// DateLayout is the calendar-date key format used throughout the
// snapshot history maps and the cache file.
const DateLayout = "2006-01-02"

// ImageSizes are the recognized image tiers, index-aligned with the
// per-date count vector and the configured price vector.
var ImageSizes = [3]string{"256x256", "512x512", "1024x1024"}

// TTSModels are the recognized text-to-speech models, index-aligned
// with the configured price vector.
var TTSModels = [2]string{"tts-1", "tts-1-hd"}

// Prices holds the unit prices used for lazy all-time cost
// reconstruction when a hydrated snapshot carries no running total.
type Prices struct {
	ChatTokens          float64    // USD per 1000 chat tokens
	Images              [3]float64 // USD per image, by size tier
	VisionTokens        float64    // USD per 1000 vision tokens
	TTS                 [2]float64 // USD per 1000 characters, by model
	TranscriptionMinute float64    // USD per minute of audio
}

// CurrentCost is the running day/month/all-time cost accumulator.
// AllTime is a pointer so a legacy cache file written before the field
// existed is distinguishable from a genuine zero.
type CurrentCost struct {
	Day        float64  `json:"day"`
	Month      float64  `json:"month"`
	AllTime    *float64 `json:"all_time,omitempty"`
	LastUpdate string   `json:"last_update"`
}

// History holds raw per-date usage quantities for every metered
// resource. Entries are cumulative per date.
type History struct {
	ChatTokens           map[string]int            `json:"chat_tokens"`
	TranscriptionSeconds map[string]float64        `json:"transcription_seconds"`
	NumberImages         map[string][3]int         `json:"number_images"`
	VisionTokens         map[string]int            `json:"vision_tokens"`
	TTSCharacters        map[string]map[string]int `json:"tts_characters"` // model -> date -> characters
}

// Snapshot is the full usage record for one user. It is owned by a
// single Ledger and serialized as-is to the cache file.
type Snapshot struct {
	UserName    string      `json:"user_name"`
	CurrentCost CurrentCost `json:"current_cost"`
	History     History     `json:"usage_history"`
}

func newSnapshot(userName, today string) *Snapshot {
	zero := 0.0
	return &Snapshot{
		UserName: userName,
		CurrentCost: CurrentCost{
			AllTime:    &zero,
			LastUpdate: today,
		},
		History: History{
			ChatTokens:           map[string]int{},
			TranscriptionSeconds: map[string]float64{},
			NumberImages:         map[string][3]int{},
			VisionTokens:         map[string]int{},
			TTSCharacters:        map[string]map[string]int{},
		},
	}
}

// backfill fills in history maps missing from snapshots that predate
// newer resource categories.
func (s *Snapshot) backfill() {
	if s.History.ChatTokens == nil {
		s.History.ChatTokens = map[string]int{}
	}
	if s.History.TranscriptionSeconds == nil {
		s.History.TranscriptionSeconds = map[string]float64{}
	}
	if s.History.NumberImages == nil {
		s.History.NumberImages = map[string][3]int{}
	}
	if s.History.VisionTokens == nil {
		s.History.VisionTokens = map[string]int{}
	}
	if s.History.TTSCharacters == nil {
		s.History.TTSCharacters = map[string]map[string]int{}
	}
}

func imageSizeIndex(size string) int {
	for i, s := range ImageSizes {
		if s == size {
			return i
		}
	}
	return -1
}

func ttsModelIndex(model string) int {
	for i, m := range TTSModels {
		if m == model {
			return i
		}
	}
	return -1
}

// yearMonth extracts the YYYY-MM portion of a date key.
func yearMonth(date string) string {
	if len(date) < 7 {
		return date
	}
	return date[:7]
}

func dateKey(t time.Time) string {
	return t.Format(DateLayout)
}

func round(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}
