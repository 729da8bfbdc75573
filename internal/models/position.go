package models

import "time"

// PositionUpdate is one accepted location report for a device. It is built
// by the normalizer and never modified afterwards.
type PositionUpdate struct {
	DeviceID   string  `json:"device_id"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	Speed      float64 `json:"speed"`   // km/h
	Heading    float64 `json:"heading"` // degrees
	Satellites int     `json:"satellites"`
	Source     string  `json:"source"`
	Timestamp  int64   `json:"timestamp"`   // device capture time, epoch ms
	ReceivedAt int64   `json:"received_at"` // server acceptance time, epoch ms
}

// ReceivedTime returns ReceivedAt as a time.Time.
func (p PositionUpdate) ReceivedTime() time.Time {
	return time.UnixMilli(p.ReceivedAt)
}

// Online reports whether the update was received within window of now.
// The boundary is inclusive.
func (p PositionUpdate) Online(now time.Time, window time.Duration) bool {
	return now.UnixMilli()-p.ReceivedAt <= window.Milliseconds()
}

// RawReport is an undecoded report as it arrives from a transport. Values
// keep whatever JSON type the producer sent.
type RawReport map[string]any

// PositionRecord is a row of the Position Store.
type PositionRecord struct {
	ID int64 `json:"id"`
	PositionUpdate
	StoredAt time.Time `json:"stored_at"`
}

// HistoryQuery represents query parameters for history lookups
type HistoryQuery struct {
	DeviceID string
	Limit    int
}

// Stats is a point-in-time view of the pipeline.
type Stats struct {
	Devices         int  `json:"devices"`
	OnlineDevices   int  `json:"online_devices"`
	Subscribers     int  `json:"subscribers"`
	BrokerConnected bool `json:"broker_connected"`
}

// StoreStats summarises the Position Store contents.
type StoreStats struct {
	Records int64 `json:"records"`
	Devices int64 `json:"devices"`
}
