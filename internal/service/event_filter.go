package service

import (
	"maps"
	"strings"
	"sync"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// EventFilterService decides which incoming events are worth a rules job.
// Only network events carry the request context the rule pipeline extracts
// domains from, so only those default to processable.
type EventFilterService struct {
	mu sync.RWMutex
	// ProcessableEventTypes defines which event types should be processed by
	// the rules engine, keyed by their original-case names.
	ProcessableEventTypes map[string]bool
	// normalized holds a lowercase view for case-insensitive lookups
	normalized map[string]bool
}

// NewEventFilterService creates an event filter with the default processable set.
func NewEventFilterService() *EventFilterService {
	orig := map[string]bool{
		// CDP Network events used for domain extraction and analysis
		"Network.requestWillBeSent": true,
		"Network.responseReceived":  true,
	}
	s := &EventFilterService{ProcessableEventTypes: orig, normalized: make(map[string]bool, len(orig))}
	for k, v := range orig {
		s.normalized[strings.ToLower(k)] = v
	}
	return s
}

// ShouldProcessEvent reports whether an event type feeds the rules engine.
func (s *EventFilterService) ShouldProcessEvent(eventType string) bool {
	et := strings.ToLower(strings.TrimSpace(eventType))
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.normalized[et]
}

// ShouldProcessEvents maps each event index in a batch to its processing
// decision, in the shape BulkInsertWithProcessingFlags consumes.
func (s *EventFilterService) ShouldProcessEvents(events []model.EventInput) map[int]bool {
	result := make(map[int]bool, len(events))
	for i, event := range events {
		result[i] = s.ShouldProcessEvent(event.Type)
	}
	return result
}

// FilterProcessableEvents returns only the events the rules engine consumes.
func (s *EventFilterService) FilterProcessableEvents(events []model.EventInput) []model.EventInput {
	var processable []model.EventInput
	for _, event := range events {
		if s.ShouldProcessEvent(event.Type) {
			processable = append(processable, event)
		}
	}
	return processable
}

// AddProcessableEventType adds a new event type to the processable list.
func (s *EventFilterService) AddProcessableEventType(eventType string) {
	s.SetProcessableEventType(eventType, true)
}

// RemoveProcessableEventType removes an event type from the processable list.
func (s *EventFilterService) RemoveProcessableEventType(eventType string) {
	et := strings.TrimSpace(eventType)
	if et == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ProcessableEventTypes, et)
	delete(s.normalized, strings.ToLower(et))
}

// SetProcessableEventType sets whether an event type should be processed.
func (s *EventFilterService) SetProcessableEventType(eventType string, shouldProcess bool) {
	et := strings.TrimSpace(eventType)
	if et == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessableEventTypes[et] = shouldProcess
	s.normalized[strings.ToLower(et)] = shouldProcess
}

// GetProcessableEventTypes returns a copy of the current processable set.
func (s *EventFilterService) GetProcessableEventTypes() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]bool, len(s.ProcessableEventTypes))
	maps.Copy(result, s.ProcessableEventTypes)
	return result
}

// GetProcessableEventTypesList returns the event types currently enabled.
func (s *EventFilterService) GetProcessableEventTypesList() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var eventTypes []string
	for eventType, shouldProcess := range s.ProcessableEventTypes {
		if shouldProcess {
			eventTypes = append(eventTypes, eventType)
		}
	}
	return eventTypes
}

// EventFilterStats summarizes one batch's filtering outcome.
type EventFilterStats struct {
	TotalEvents       int     `json:"total_events"`
	ProcessableEvents int     `json:"processable_events"`
	FilteredEvents    int     `json:"filtered_events"`
	FilterRatio       float64 `json:"filter_ratio"` // Percentage of events filtered out
}

// GetFilterStats calculates filtering statistics for a batch of events.
func (s *EventFilterService) GetFilterStats(events []model.EventInput) EventFilterStats {
	total := len(events)
	processable := 0

	for _, event := range events {
		if s.ShouldProcessEvent(event.Type) {
			processable++
		}
	}

	filtered := total - processable
	filterRatio := 0.0
	if total > 0 {
		filterRatio = float64(filtered) / float64(total) * 100.0
	}

	return EventFilterStats{
		TotalEvents:       total,
		ProcessableEvents: processable,
		FilteredEvents:    filtered,
		FilterRatio:       filterRatio,
	}
}
