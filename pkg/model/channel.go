package model

import (
	"time"

	"github.com/google/uuid"
)

type ChannelID string

// NewChannelID generates a new unique ChannelID
func NewChannelID() ChannelID {
	return ChannelID(uuid.New().String())
}

// StoreName is the resource name of the remote file search store,
// e.g. "fileSearchStores/xxxx"
type StoreName string

type Lifecycle string

const (
	LifecycleActive  Lifecycle = "active"
	LifecycleTrashed Lifecycle = "trashed"
)

// Channel is a document collection with one remote file search store and
// one local metadata record
type Channel struct {
	ID        ChannelID `firestore:"id"`
	StoreName StoreName `firestore:"store_name"`
	Name      string    `firestore:"name"`
	Lifecycle Lifecycle `firestore:"lifecycle"`

	FileCount      int   `firestore:"file_count"`
	TotalSizeBytes int64 `firestore:"total_size_bytes"`

	CreatedAt      time.Time  `firestore:"created_at"`
	LastAccessedAt time.Time  `firestore:"last_accessed_at"`
	TrashedAt      *time.Time `firestore:"trashed_at"`

	// ReclaimAttempts counts failed reclamation attempts since the channel
	// was trashed. Reset on restore.
	ReclaimAttempts int `firestore:"reclaim_attempts"`
}

// Expired reports whether the channel has been in the trash longer than
// the retention window. Only trashed channels can expire.
func (c *Channel) Expired(now time.Time, retention time.Duration) bool {
	if c.Lifecycle != LifecycleTrashed || c.TrashedAt == nil {
		return false
	}
	return !c.TrashedAt.Add(retention).After(now)
}
