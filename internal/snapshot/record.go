// Package snapshot computes aggregate statistics over projected events and
// keeps the latest result of each range in a write-through cache.
package snapshot

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
)

const nightStartHour, nightEndHour = 21, 6

var (
	amountFields     = []string{"amount_ml", "ml", "amount", "volume_ml"}
	medicationFields = []string{"name", "medication_name", "medicine"}
	memoFields       = []string{"text", "memo", "content"}
)

// RunningEvent points at the newest OPEN event of a type.
type RunningEvent struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
}

// Record is the aggregate view of one range. Last-time fields encode as null
// when nothing matched.
type Record struct {
	Range      RangeKind `json:"range"`
	RangeKey   string    `json:"range_key"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`
	DayCount   int       `json:"day_count"`

	FormulaCount      int     `json:"formula_count"`
	FormulaTotalML    float64 `json:"formula_total_ml"`
	FormulaAvgML      float64 `json:"formula_avg_ml"`
	FormulaDailyAvgML float64 `json:"formula_daily_avg_ml"`
	BreastfeedCount   int     `json:"breastfeed_count"`
	FeedingCount      int     `json:"feeding_count"`
	FeedingDailyAvg   float64 `json:"feeding_daily_avg"`

	SleepSessions int     `json:"sleep_sessions"`
	SleepTotalMin float64 `json:"sleep_total_min"`
	SleepNightMin float64 `json:"sleep_night_min"`
	SleepNapMin   float64 `json:"sleep_nap_min"`
	SleepAvgMin   float64 `json:"sleep_avg_min"`

	PeeCount int `json:"pee_count"`
	PooCount int `json:"poo_count"`

	MedicationCount    int    `json:"medication_count"`
	LastMedicationName string `json:"last_medication_name"`
	MemoCount          int    `json:"memo_count"`
	LatestMemo         string `json:"latest_memo"`
	WeaningCount       int    `json:"weaning_count"`

	LastFormulaTime    *time.Time `json:"last_formula_time"`
	LastBreastfeedTime *time.Time `json:"last_breastfeed_time"`
	LastSleepTime      *time.Time `json:"last_sleep_time"`
	LastPeeTime        *time.Time `json:"last_pee_time"`
	LastPooTime        *time.Time `json:"last_poo_time"`
	LastMedicationTime *time.Time `json:"last_medication_time"`
	LastMemoTime       *time.Time `json:"last_memo_time"`
	LastWeaningTime    *time.Time `json:"last_weaning_time"`

	Running        map[care.EventType]RunningEvent `json:"running"`
	LastOccurrence map[care.EventType]time.Time    `json:"last_occurrence"`
}

// Compute aggregates events over window. It never fails: without matching
// events every figure is zero.
func Compute(events []care.CareEvent, window Range) Record {
	record := Record{
		Range:          window.Kind,
		RangeKey:       window.Key,
		RangeStart:     window.Start,
		RangeEnd:       window.End,
		DayCount:       max(window.DayCount, 1),
		Running:        make(map[care.EventType]RunningEvent),
		LastOccurrence: make(map[care.EventType]time.Time),
	}
	location := window.Start.Location()

	ordered := append([]care.CareEvent(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].StartTime.Equal(ordered[j].StartTime) {
			return ordered[i].StartTime.Before(ordered[j].StartTime)
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, event := range ordered {
		switch event.Status {
		case care.EventStatusOpen:
			record.Running[event.Type] = RunningEvent{ID: event.ID, StartTime: event.StartTime}
			continue
		case care.EventStatusClosed:
			record.LastOccurrence[event.Type] = event.StartTime
			record.setLastTime(event.Type, event.StartTime)
		default:
			continue
		}

		if !window.Contains(event.StartTime) {
			continue
		}
		switch event.Type {
		case care.EventTypeFormula:
			record.FormulaCount++
			record.FormulaTotalML += numberField(event.Value, amountFields, 0)
		case care.EventTypeBreastfeed:
			record.BreastfeedCount++
		case care.EventTypeSleep:
			minutes := event.Duration().Minutes()
			if minutes <= 0 {
				continue
			}
			record.SleepSessions++
			record.SleepTotalMin += minutes
			hour := event.StartTime.In(location).Hour()
			if hour >= nightStartHour || hour < nightEndHour {
				record.SleepNightMin += minutes
			} else {
				record.SleepNapMin += minutes
			}
		case care.EventTypePee:
			record.PeeCount += countField(event.Value)
		case care.EventTypePoo:
			record.PooCount += countField(event.Value)
		case care.EventTypeMedication:
			record.MedicationCount++
			record.LastMedicationName = textField(event.Value, medicationFields)
		case care.EventTypeMemo:
			record.MemoCount++
			if text := textField(event.Value, memoFields); text != "" {
				record.LatestMemo = text
			}
		case care.EventTypeWeaning:
			record.WeaningCount++
		}
	}

	record.FeedingCount = record.FormulaCount + record.BreastfeedCount
	days := float64(record.DayCount)
	record.FormulaAvgML = ratio(record.FormulaTotalML, float64(record.FormulaCount))
	record.FormulaDailyAvgML = ratio(record.FormulaTotalML, days)
	record.FeedingDailyAvg = ratio(float64(record.FeedingCount), days)
	record.SleepAvgMin = ratio(record.SleepTotalMin, days)
	return record
}

func (record *Record) setLastTime(eventType care.EventType, start time.Time) {
	stamp := start
	switch eventType {
	case care.EventTypeFormula:
		record.LastFormulaTime = &stamp
	case care.EventTypeBreastfeed:
		record.LastBreastfeedTime = &stamp
	case care.EventTypeSleep:
		record.LastSleepTime = &stamp
	case care.EventTypePee:
		record.LastPeeTime = &stamp
	case care.EventTypePoo:
		record.LastPooTime = &stamp
	case care.EventTypeMedication:
		record.LastMedicationTime = &stamp
	case care.EventTypeMemo:
		record.LastMemoTime = &stamp
	case care.EventTypeWeaning:
		record.LastWeaningTime = &stamp
	}
}

func ratio(numerator, denominator float64) float64 {
	if denominator <= 0 {
		return 0
	}
	value := numerator / denominator
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}

func countField(value map[string]any) int {
	count := numberField(value, []string{"count"}, 1)
	return int(math.Round(count))
}

// numberField returns the first numeric entry among keys. Missing entries
// yield fallback; negative or non-finite numbers yield zero.
func numberField(value map[string]any, keys []string, fallback float64) float64 {
	for _, key := range keys {
		raw, ok := value[key]
		if !ok || raw == nil {
			continue
		}
		number, ok := toFloat(raw)
		if !ok {
			continue
		}
		if math.IsNaN(number) || math.IsInf(number, 0) || number < 0 {
			return 0
		}
		return number
	}
	return fallback
}

func toFloat(raw any) (float64, bool) {
	switch typed := raw.(type) {
	case float64:
		return typed, true
	case float32:
		return float64(typed), true
	case int:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case json.Number:
		parsed, err := typed.Float64()
		return parsed, err == nil
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}

func textField(value map[string]any, keys []string) string {
	for _, key := range keys {
		if text, ok := value[key].(string); ok {
			if trimmed := strings.TrimSpace(text); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
