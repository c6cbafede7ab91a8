package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default

	// DeliveryRetention bounds how long delivery records are kept.
	// 0 disables pruning.
	DeliveryRetention time.Duration
}

// Subscription binds one destination chat to one publisher.
//
// LastBVID and LastCreatedTS together form the watermark: the newest item
// already accounted for. A zero watermark (empty bvid, ts 0) marks an
// unseeded subscription whose baseline is set on the first successful poll.
type Subscription struct {
	ID            int64
	Destination   string
	MID           int64
	Uname         string
	Enabled       bool
	LastBVID      string
	LastCreatedTS int64
	CreatedAt     time.Time
}

// Seeded reports whether the subscription has a usable watermark.
func (s Subscription) Seeded() bool {
	return s.LastBVID != "" || s.LastCreatedTS != 0
}

// Watermark is the newest-item marker carried per subscription.
type Watermark struct {
	BVID      string
	CreatedTS int64
}

// Delivery identifies one pushed notification for dedup purposes.
type Delivery struct {
	BVID        string
	CreatedTS   int64
	Destination string
}
