package pkg

import (
	"github.com/nbroyles/docdb/internal/document"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMemTableMaxSize is the number of value bytes buffered in memory before a flush
	DefaultMemTableMaxSize = 1000
	// DefaultMaxSegmentSize is the size past which the main segment is sealed
	DefaultMaxSegmentSize = 100 * 64
)

// OversizedPolicy decides what Insert does with a value that is larger than the
// memtable threshold on its own
type OversizedPolicy int

const (
	// AcceptOversized stores the value as the sole occupant of the memtable. It is
	// flushed by the next insert
	AcceptOversized OversizedPolicy = iota
	// RejectOversized fails the insert with ErrValueTooLarge
	RejectOversized
)

func (p OversizedPolicy) String() string {
	switch p {
	case AcceptOversized:
		return "accept"
	case RejectOversized:
		return "reject"
	default:
		return "unknown"
	}
}

// Config holds the settings used by Open. Open works on a copy, so changing a Config
// after Open has no effect on the DB
type Config struct {
	// Dir is the working directory holding the main segment, the segments directory
	// and the lock file. Created if missing
	Dir string

	MemTableMaxSize uint64
	MaxSegmentSize  uint64
	OversizedValues OversizedPolicy

	// Encoding converts documents to stored bytes and back. Defaults to JSON
	Encoding document.Encoding
	// Logger defaults to the logrus standard logger
	Logger *log.Logger
	// Registerer receives the engine's metrics. When nil they are collected but not
	// exposed
	Registerer prometheus.Registerer
}

// DefaultConfig returns a Config for dir with every other setting at its default
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		MemTableMaxSize: DefaultMemTableMaxSize,
		MaxSegmentSize:  DefaultMaxSegmentSize,
		OversizedValues: AcceptOversized,
		Encoding:        document.JSON{},
		Logger:          log.StandardLogger(),
	}
}

func (c Config) withDefaults() Config {
	if c.MemTableMaxSize == 0 {
		c.MemTableMaxSize = DefaultMemTableMaxSize
	}
	if c.MaxSegmentSize == 0 {
		c.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if c.Encoding == nil {
		c.Encoding = document.JSON{}
	}
	if c.Logger == nil {
		c.Logger = log.StandardLogger()
	}

	return c
}
