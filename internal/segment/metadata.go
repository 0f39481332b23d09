package segment

import "time"

// Metadata describes a segment at a point in time
type Metadata struct {
	Name      string
	Path      string
	Size      uint64
	Keys      int
	MinKey    uint64
	MaxKey    uint64
	CreatedAt time.Time
}
