package events

import (
	"sync"

	"loop-dosing/internal/dosing"
	"loop-dosing/internal/freshness"
)

// FakePublisher records published events for test assertions.
type FakePublisher struct {
	mu sync.Mutex

	// Transitions contains all staleness transitions that were published.
	Transitions []freshness.Transition

	// Enactments contains all enactment records that were published.
	Enactments []dosing.Record

	// Payloads contains the JSON payloads keyed by topic suffix.
	Payloads map[string][][]byte

	// PublishError, if set, is returned by every publish call.
	PublishError error

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Payloads: make(map[string][][]byte)}
}

// PublishStaleness records the transition.
func (f *FakePublisher) PublishStaleness(deviceID string, t freshness.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatStaleness(deviceID, t)
	if err != nil {
		return err
	}
	f.Transitions = append(f.Transitions, t)
	f.Payloads[TopicStaleness] = append(f.Payloads[TopicStaleness], payload)
	return nil
}

// PublishEnactment records the enactment.
func (f *FakePublisher) PublishEnactment(rec dosing.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatEnactment(rec)
	if err != nil {
		return err
	}
	f.Enactments = append(f.Enactments, rec)
	f.Payloads[TopicEnactments] = append(f.Payloads[TopicEnactments], payload)
	return nil
}

// Close marks the publisher closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Snapshot returns copies of the recorded events.
func (f *FakePublisher) Snapshot() ([]freshness.Transition, []dosing.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]freshness.Transition(nil), f.Transitions...), append([]dosing.Record(nil), f.Enactments...)
}

var _ Publisher = (*FakePublisher)(nil)
