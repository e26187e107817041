package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"indiworker/logger"
	apperr "indiworker/pkg/errors"
)

const partitionLayout = "2006-01-02"

// RevisionEntry is one immutable snapshot of a remote document. Timestamp is
// the as-of time declared by the remote (or the local fetch time when the
// remote declared none), never a local mutation time.
type RevisionEntry struct {
	Date      time.Time
	Timestamp time.Time
	Content   []byte
}

// RevisionStore is a disk-backed, append-only revision cache. Each calendar
// date gets one partition directory named YYYY-MM-DD; each revision is a file
// inside it named by its unix timestamp in seconds, holding the raw body.
//
// An empty partition means "checked, nothing published for this date"; an
// absent partition means "never checked". Revisions are write-once: a second
// write for the same date and timestamp must carry identical content,
// anything else is a data-integrity fault.
type RevisionStore struct {
	root string
	log  *logger.Logger
}

// NewRevisionStore creates a store rooted at dir. The directory is created
// lazily on first write.
func NewRevisionStore(dir string) *RevisionStore {
	return &RevisionStore{
		root: dir,
		log:  logger.ForComponent("revision_store"),
	}
}

// Root returns the store's base directory.
func (s *RevisionStore) Root() string {
	return s.root
}

func (s *RevisionStore) partition(date time.Time) string {
	return filepath.Join(s.root, date.Format(partitionLayout))
}

func (s *RevisionStore) revisionPath(date time.Time, ts time.Time) string {
	return filepath.Join(s.partition(date), strconv.FormatInt(ts.Unix(), 10))
}

// Store writes one revision. Re-storing an existing timestamp with identical
// content is a no-op; with different content it fails with a revision
// collision, since overwriting would silently rewrite history.
func (s *RevisionStore) Store(date time.Time, ts time.Time, content []byte) error {
	partition := s.partition(date)
	if err := os.MkdirAll(partition, 0o755); err != nil {
		return err
	}

	path := s.revisionPath(date, ts)
	if existing, err := os.ReadFile(path); err == nil {
		if bytes.Equal(existing, content) {
			return nil
		}
		return apperr.NewRevisionCollision(date.Format(partitionLayout), ts.Unix())
	} else if !os.IsNotExist(err) {
		return err
	}

	// tmp+rename so a crashed write never leaves a half revision behind
	tmp := path + ".partial"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	s.log.Debug().
		Str("date", date.Format(partitionLayout)).
		Int64("timestamp", ts.Unix()).
		Int("bytes", len(content)).
		Msg("Stored revision")
	return nil
}

// MarkChecked creates the date partition without writing a revision,
// recording that the remote was consulted and had nothing for this date.
func (s *RevisionStore) MarkChecked(date time.Time) error {
	return os.MkdirAll(s.partition(date), 0o755)
}

// Checked reports whether the date has ever been checked, i.e. whether its
// partition exists.
func (s *RevisionStore) Checked(date time.Time) bool {
	info, err := os.Stat(s.partition(date))
	return err == nil && info.IsDir()
}

// Read returns the content of one stored revision.
func (s *RevisionStore) Read(date time.Time, ts time.Time) ([]byte, error) {
	return os.ReadFile(s.revisionPath(date, ts))
}

// LatestTimestamp returns the newest stored timestamp for the date. The
// second return is false when the partition is absent or empty.
func (s *RevisionStore) LatestTimestamp(date time.Time) (time.Time, bool) {
	timestamps := s.timestamps(date)
	if len(timestamps) == 0 {
		return time.Time{}, false
	}
	return timestamps[0], true
}

// timestamps lists the partition's revision times, newest first. Files whose
// names are not decimal integers (leftover partials) are ignored.
func (s *RevisionStore) timestamps(date time.Time) []time.Time {
	dirEntries, err := os.ReadDir(s.partition(date))
	if err != nil {
		return nil
	}

	out := make([]time.Time, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		secs, err := strconv.ParseInt(de.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, time.Unix(secs, 0).UTC())
	}

	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out
}

// dates lists every partition date, newest first.
func (s *RevisionStore) dates() []time.Time {
	dirEntries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}

	out := make([]time.Time, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		date, err := time.ParseInLocation(partitionLayout, de.Name(), time.UTC)
		if err != nil {
			continue
		}
		out = append(out, date)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].After(out[j]) })
	return out
}

type revisionRef struct {
	date time.Time
	ts   time.Time
}

// RevisionCursor walks stored revisions newest-first, loading content one
// entry at a time. A fresh cursor from Revisions or All restarts the walk.
type RevisionCursor struct {
	store *RevisionStore
	refs  []revisionRef
	idx   int

	entry RevisionEntry
	err   error
}

// Next advances to the next revision, returning false at the end of the
// sequence or on a read error (see Err).
func (c *RevisionCursor) Next() bool {
	if c.err != nil || c.idx >= len(c.refs) {
		return false
	}

	ref := c.refs[c.idx]
	c.idx++

	content, err := c.store.Read(ref.date, ref.ts)
	if err != nil {
		c.err = err
		return false
	}

	c.entry = RevisionEntry{Date: ref.date, Timestamp: ref.ts, Content: content}
	return true
}

// Entry returns the revision positioned by the last successful Next.
func (c *RevisionCursor) Entry() RevisionEntry {
	return c.entry
}

// Err returns the first read error hit during iteration, if any.
func (c *RevisionCursor) Err() error {
	return c.err
}

// Revisions returns a newest-first cursor over one date's revisions.
func (s *RevisionStore) Revisions(date time.Time) *RevisionCursor {
	refs := make([]revisionRef, 0)
	for _, ts := range s.timestamps(date) {
		refs = append(refs, revisionRef{date: date, ts: ts})
	}
	return &RevisionCursor{store: s, refs: refs}
}

// All returns a cursor over every stored revision, newest date first and
// newest revision first within each date.
func (s *RevisionStore) All() *RevisionCursor {
	refs := make([]revisionRef, 0)
	for _, date := range s.dates() {
		for _, ts := range s.timestamps(date) {
			refs = append(refs, revisionRef{date: date, ts: ts})
		}
	}
	return &RevisionCursor{store: s, refs: refs}
}
