// Package events publishes staleness transitions and enactment outcomes to
// MQTT.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"loop-dosing/internal/dosing"
	"loop-dosing/internal/freshness"
)

// Topic suffixes under the configured prefix.
const (
	TopicStaleness  = "staleness"
	TopicEnactments = "enactments"
)

// Publisher publishes loop events.
type Publisher interface {
	// PublishStaleness announces a freshness transition for deviceID.
	PublishStaleness(deviceID string, t freshness.Transition) error

	// PublishEnactment announces an enactment outcome.
	PublishEnactment(rec dosing.Record) error

	// Close disconnects from the broker.
	Close() error
}

// Topic joins prefix and suffix.
func Topic(prefix, suffix string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

// StalenessPayload is the JSON body of a staleness event.
type StalenessPayload struct {
	Timestamp string `json:"timestamp"`
	Device    string `json:"device"`
	Stale     bool   `json:"stale"`
	Reason    string `json:"reason"`
}

// FormatStaleness creates the JSON payload for a staleness transition.
func FormatStaleness(deviceID string, t freshness.Transition) ([]byte, error) {
	return json.Marshal(StalenessPayload{
		Timestamp: t.At.UTC().Format(time.RFC3339),
		Device:    deviceID,
		Stale:     t.Stale,
		Reason:    t.Reason,
	})
}

// EnactmentPayload is the JSON body of an enactment event.
type EnactmentPayload struct {
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Device    string       `json:"device"`
	Glucose   float64      `json:"glucose_mgdl"`
	Factor    float64      `json:"factor"`
	Basal     *BasalAction `json:"basal,omitempty"`
	Bolus     *BolusAction `json:"bolus,omitempty"`
}

// BasalAction reports the temporary basal step.
type BasalAction struct {
	UnitsPerHour    float64 `json:"units_per_hour"`
	DurationMinutes float64 `json:"duration_minutes"`
	Status          string  `json:"status"`
	Error           string  `json:"error,omitempty"`
}

// BolusAction reports the bolus step.
type BolusAction struct {
	Units  float64 `json:"units"`
	Status string  `json:"status"`
	Error  string  `json:"error,omitempty"`
}

// FormatEnactment creates the JSON payload for an enactment record.
func FormatEnactment(rec dosing.Record) ([]byte, error) {
	payload := EnactmentPayload{
		ID:        rec.ID.String(),
		Timestamp: rec.CompletedAt.UTC().Format(time.RFC3339),
		Device:    rec.DeviceID,
		Glucose:   rec.Glucose,
		Factor:    rec.Factor,
	}
	if rec.BasalRate != nil {
		payload.Basal = &BasalAction{
			UnitsPerHour:    *rec.BasalRate,
			DurationMinutes: rec.BasalDuration.Minutes(),
			Status:          string(rec.BasalStatus),
			Error:           rec.BasalError,
		}
	}
	if rec.BolusUnits != nil {
		payload.Bolus = &BolusAction{
			Units:  *rec.BolusUnits,
			Status: string(rec.BolusStatus),
			Error:  rec.BolusError,
		}
	}
	return json.Marshal(payload)
}
