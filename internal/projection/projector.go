// Package projection folds the mutation log into the current state of each
// care event.
package projection

import (
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/carelog/internal/care"
)

// Options tunes a projection run.
type Options struct {
	// Base seeds the fold with events already confirmed by the remote store.
	Base []care.CareEvent
	// Resolve translates event references, typically through the identifier
	// map. Nil means identity.
	Resolve func(string) string
}

// Project replays mutations for babyID and returns the live events ordered by
// start time. Entries that cannot be applied are skipped.
func Project(mutations []care.Mutation, babyID care.BabyID) []care.CareEvent {
	return ProjectWith(mutations, babyID, Options{})
}

// ProjectWith is Project over a seeded event set with reference resolution.
func ProjectWith(mutations []care.Mutation, babyID care.BabyID, opts Options) []care.CareEvent {
	resolve := opts.Resolve
	if resolve == nil {
		resolve = identity
	}

	drafts := make(map[string]*care.CareEvent)
	for _, event := range opts.Base {
		if event.BabyID != babyID.String() || event.ID == "" {
			continue
		}
		seeded := cloneEvent(event)
		drafts[seeded.ID] = &seeded
	}

	for _, mutation := range mutations {
		if mutation.Payload.BabyID != babyID.String() {
			continue
		}
		ref := mutation.EventRef()
		if ref == "" {
			continue
		}
		apply(drafts, mutation, resolve(ref))
	}

	events := make([]care.CareEvent, 0, len(drafts))
	for _, draft := range drafts {
		if draft.Status == care.EventStatusCanceled {
			continue
		}
		events = append(events, *draft)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return events[i].ID < events[j].ID
	})
	return events
}

func apply(drafts map[string]*care.CareEvent, mutation care.Mutation, id string) {
	payload := mutation.Payload
	existing, present := drafts[id]
	if present && existing.Status == care.EventStatusCanceled {
		return
	}

	switch mutation.Kind {
	case care.MutationKindCreateClosed, care.MutationKindStart:
		eventType := care.NormalizeEventType(payload.Type)
		start, ok := care.ParseTimestamp(payload.StartTime)
		if eventType == "" || !ok {
			return
		}
		draft := &care.CareEvent{
			ID:        id,
			BabyID:    payload.BabyID,
			Type:      eventType,
			StartTime: start.UTC(),
			Status:    care.EventStatusOpen,
			Value:     mergeFields(nil, payload.Value),
			Metadata:  mergeFields(nil, payload.Metadata),
		}
		if mutation.Kind == care.MutationKindCreateClosed {
			draft.Status = care.EventStatusClosed
			draft.EndTime = parseOptional(payload.EndTime)
		}
		drafts[id] = draft

	case care.MutationKindComplete:
		end := parseOptional(payload.EndTime)
		if !present {
			// Completion without a known start: keep it as a zero-length event.
			if end == nil {
				fallback := mutation.QueuedAt.UTC()
				end = &fallback
			}
			drafts[id] = &care.CareEvent{
				ID:        id,
				BabyID:    payload.BabyID,
				Type:      care.NormalizeEventType(payload.Type),
				StartTime: *end,
				EndTime:   end,
				Status:    care.EventStatusClosed,
				Value:     mergeFields(nil, payload.Value),
				Metadata:  mergeFields(nil, payload.Metadata),
			}
			return
		}
		next := overlay(*existing, payload)
		if end == nil && next.EndTime == nil {
			fallback := mutation.QueuedAt.UTC()
			next.EndTime = &fallback
		}
		next.Status = care.EventStatusClosed
		drafts[id] = &next

	case care.MutationKindUpdate:
		if !present {
			return
		}
		next := overlay(*existing, payload)
		drafts[id] = &next

	case care.MutationKindCancel:
		if !present {
			return
		}
		canceled := *existing
		canceled.Status = care.EventStatusCanceled
		drafts[id] = &canceled
	}
}

// overlay applies the supplied fields of payload on top of event.
func overlay(event care.CareEvent, payload care.Payload) care.CareEvent {
	if eventType := care.NormalizeEventType(payload.Type); eventType != "" {
		event.Type = eventType
	}
	if start, ok := care.ParseTimestamp(payload.StartTime); ok {
		event.StartTime = start.UTC()
	}
	if end := parseOptional(payload.EndTime); end != nil {
		event.EndTime = end
	}
	event.Value = mergeFields(event.Value, payload.Value)
	event.Metadata = mergeFields(event.Metadata, payload.Metadata)
	return event
}

// mergeFields returns a new map holding base overlaid key by key with update.
func mergeFields(base, update map[string]any) map[string]any {
	if len(base) == 0 && len(update) == 0 {
		return nil
	}
	merged := make(map[string]any, len(base)+len(update))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range update {
		merged[key] = value
	}
	return merged
}

func parseOptional(raw string) *time.Time {
	parsed, ok := care.ParseTimestamp(raw)
	if !ok {
		return nil
	}
	utc := parsed.UTC()
	return &utc
}

func cloneEvent(event care.CareEvent) care.CareEvent {
	cloned := event
	cloned.Type = care.NormalizeEventType(string(event.Type))
	cloned.StartTime = event.StartTime.UTC()
	if event.EndTime != nil {
		end := event.EndTime.UTC()
		cloned.EndTime = &end
	}
	cloned.Value = mergeFields(nil, event.Value)
	cloned.Metadata = mergeFields(nil, event.Metadata)
	return cloned
}

func identity(id string) string {
	return strings.TrimSpace(id)
}
