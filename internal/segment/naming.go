package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbroyles/docdb/internal/util"
	log "github.com/sirupsen/logrus"
)

const (
	segmentPrefix = "segment_"
	segmentExt    = ".db"
	tempExt       = ".tmp"
)

// NewName returns a unique file name for a sealed segment created at createdAt. The
// creation time is embedded so recency survives copies that lose file metadata
func NewName(createdAt time.Time) string {
	return fmt.Sprintf("%s%d_%s%s", segmentPrefix, createdAt.UnixNano(), uuid.New().String(), segmentExt)
}

// TempName returns the name of the scratch file used while rewriting the segment
// at path
func TempName(path string) string {
	return path + tempExt
}

// CreatedAtFromName extracts the creation time embedded by NewName
func CreatedAtFromName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentExt) {
		return time.Time{}, false
	}

	stamp := strings.TrimPrefix(name, segmentPrefix)
	if i := strings.IndexByte(stamp, '_'); i >= 0 {
		stamp = stamp[:i]
	} else {
		stamp = strings.TrimSuffix(stamp, segmentExt)
	}

	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.Unix(0, nanos), true
}

// Seal copies the segment's current bytes into a new file in dir and returns a
// sealed segment over that copy, sharing nothing with the receiver
func (s *Segment) Seal(dir string, createdAt time.Time) (*Segment, error) {
	path := filepath.Join(dir, NewName(createdAt))

	if err := util.CopyFile(s.path, path, int64(s.size)); err != nil {
		return nil, fmt.Errorf("failed copying %s into new sealed segment: %w", s.path, err)
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open sealed segment %s: %w", path, err)
	}

	return &Segment{
		path:      path,
		file:      file,
		index:     s.index.Clone(),
		size:      s.size,
		createdAt: createdAt,
		filter:    s.filter.Copy(),
	}, nil
}

// OpenDir recovers every segment in dir, ordered from oldest to newest. A missing
// dir is created and yields no segments. Scratch files left behind by an
// interrupted rewrite are removed
func OpenDir(dir string) ([]*Segment, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create segments dir %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not list segments dir %s: %w", dir, err)
	}

	var segments []*Segment
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		if strings.HasSuffix(entry.Name(), tempExt) {
			log.Warnf("removing leftover scratch file %s", path)
			if err := os.Remove(path); err != nil {
				closeAll(segments)
				return nil, fmt.Errorf("could not remove leftover scratch file %s: %w", path, err)
			}
			continue
		}

		createdAt, err := creationTime(path, entry)
		if err != nil {
			closeAll(segments)
			return nil, err
		}

		seg, err := Open(path, createdAt)
		if err != nil {
			closeAll(segments)
			return nil, err
		}

		segments = append(segments, seg)
	}

	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].createdAt.Equal(segments[j].createdAt) {
			return segments[i].Name() < segments[j].Name()
		}
		return segments[i].createdAt.Before(segments[j].createdAt)
	})

	return segments, nil
}

func creationTime(path string, entry os.DirEntry) (time.Time, error) {
	if createdAt, ok := CreatedAtFromName(entry.Name()); ok {
		return createdAt, nil
	}

	info, err := entry.Info()
	if err != nil {
		return time.Time{}, fmt.Errorf("could not read metadata of %s: %w", path, err)
	}

	log.Debugf("segment %s has no embedded creation time, using modification time", path)

	return info.ModTime(), nil
}

// RemoveStaleTemp removes the scratch file for the segment at path if one was left
// behind
func RemoveStaleTemp(path string) error {
	tmp := TempName(path)
	if exists, err := util.Exists(tmp); err != nil {
		return err
	} else if !exists {
		return nil
	}

	log.Warnf("removing leftover scratch file %s", tmp)
	if err := os.Remove(tmp); err != nil {
		return fmt.Errorf("could not remove leftover scratch file %s: %w", tmp, err)
	}

	return nil
}

func closeAll(segments []*Segment) {
	for _, seg := range segments {
		if err := seg.Close(); err != nil {
			log.Warnf("%v", err)
		}
	}
}
