package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"tracker-relay/internal/models"
)

// Transport labels used as the default source of an update.
const (
	TransportHTTP = "http"
	TransportMQTT = "mqtt"
	TransportFile = "file"
)

// ErrorKind classifies a rejected report.
type ErrorKind string

const (
	MissingField      ErrorKind = "MissingField"
	InvalidCoordinate ErrorKind = "InvalidCoordinate"
)

// ValidationError is returned by Normalize when a report cannot be accepted.
type ValidationError struct {
	Kind  ErrorKind
	Field string
}

func (e *ValidationError) Error() string {
	switch e.Kind {
	case MissingField:
		return fmt.Sprintf("%s is required and must be valid", e.Field)
	case InvalidCoordinate:
		if e.Field == "lat" {
			return "lat must be between -90 and 90"
		}
		return "lng must be between -180 and 180"
	}
	return fmt.Sprintf("invalid %s", e.Field)
}

// Normalizer turns raw reports into position updates. It holds no shared
// pipeline state; the only thing it tracks is the last receipt time it
// assigned, so that received_at never goes backwards when the wall clock does.
type Normalizer struct {
	now func() time.Time

	mu   sync.Mutex
	last int64
}

// NewNormalizer creates a normalizer using the wall clock.
func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewNormalizerWithClock creates a normalizer reading time from now.
func NewNormalizerWithClock(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// receivedAt returns the current server time in epoch ms, clamped so that
// successive calls are non-decreasing.
func (n *Normalizer) receivedAt() int64 {
	ms := n.now().UnixMilli()
	n.mu.Lock()
	defer n.mu.Unlock()
	if ms < n.last {
		ms = n.last
	}
	n.last = ms
	return ms
}

// Normalize validates raw and builds the canonical update. transport is
// the default source label when the report carries no "src" override.
func (n *Normalizer) Normalize(raw models.RawReport, transport string) (models.PositionUpdate, error) {
	var u models.PositionUpdate

	deviceID, _ := raw["device_id"].(string)
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return u, &ValidationError{Kind: MissingField, Field: "device_id"}
	}

	lat, ok := toFloat(raw["lat"])
	if !ok {
		return u, &ValidationError{Kind: MissingField, Field: "lat"}
	}
	lng, ok := toFloat(raw["lng"])
	if !ok {
		return u, &ValidationError{Kind: MissingField, Field: "lng"}
	}
	if lat < -90 || lat > 90 {
		return u, &ValidationError{Kind: InvalidCoordinate, Field: "lat"}
	}
	if lng < -180 || lng > 180 {
		return u, &ValidationError{Kind: InvalidCoordinate, Field: "lng"}
	}

	received := n.receivedAt()

	u = models.PositionUpdate{
		DeviceID:   deviceID,
		Lat:        lat,
		Lng:        lng,
		Speed:      nonNegative(raw["speed"]),
		Heading:    nonNegative(raw["heading"]),
		Satellites: toCount(firstPresent(raw, "sats", "satellites")),
		Source:     transport,
		Timestamp:  received,
		ReceivedAt: received,
	}
	if src, ok := raw["src"].(string); ok && strings.TrimSpace(src) != "" {
		u.Source = strings.TrimSpace(src)
	}
	if ts, ok := toEpochMillis(raw["ts"]); ok {
		u.Timestamp = ts
	}
	return u, nil
}

func firstPresent(raw models.RawReport, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

// toFloat accepts JSON numbers and numeric strings. NaN and infinities are
// not numeric for our purposes.
func toFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case string:
		var err error
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func nonNegative(v any) float64 {
	f, ok := toFloat(v)
	if !ok || f < 0 {
		return 0
	}
	return f
}

func toCount(v any) int {
	f, ok := toFloat(v)
	if !ok || f < 0 || f > math.MaxInt32 {
		return 0
	}
	return int(f)
}

// toEpochMillis reads a device timestamp: epoch ms as a number or numeric
// string, or a date string in one of the accepted layouts.
func toEpochMillis(v any) (int64, bool) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, false
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			t, err := parseTimestamp(s)
			if err != nil {
				return 0, false
			}
			return t.UnixMilli(), true
		}
	}
	f, ok := toFloat(v)
	if !ok || f <= 0 || f > math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// parseTimestamp tries multiple timestamp formats
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006/01/02 15:04:05",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}
