package session

import "time"

// Lease tracks usage of one producer's cached session. It is not safe for concurrent
// use; the owning producer serialises sends against it.
type Lease struct {
	CreatedAt time.Time
	LastUsed  time.Time
	SendCount int64
	Bytes     int64
}

// Reset starts a new session at now
func (l *Lease) Reset(now time.Time) {
	l.CreatedAt = now
	l.LastUsed = now
	l.SendCount = 0
	l.Bytes = 0
}

// Record accounts for one send of size bytes
func (l *Lease) Record(size int64, now time.Time) {
	l.SendCount++
	l.Bytes += size
	l.LastUsed = now
}
