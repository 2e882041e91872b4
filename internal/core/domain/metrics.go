package domain

import "time"

// RelayMetrics is a point-in-time snapshot of relay activity.
type RelayMetrics struct {
	Timestamp          time.Time
	ActiveRooms        int
	ConnectedPeers     int
	EnvelopesForwarded uint64
	EnvelopesDropped   uint64
}
