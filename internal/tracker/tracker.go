// Package tracker fingerprints source files and decides which ones need
// processing against the recorded FileRecords.
package tracker

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"sort"
	"time"

	"github.com/marcus/tokentally/internal/usage"
)

// Change classifies a file against its last record.
type Change int

const (
	Unchanged Change = iota
	NewFile
	Changed
	// Interrupted files were left in the processing state by a run that
	// never finished. They are reprocessed whatever their hash.
	Interrupted
)

func (c Change) String() string {
	switch c {
	case NewFile:
		return "new"
	case Changed:
		return "changed"
	case Interrupted:
		return "interrupted"
	default:
		return "unchanged"
	}
}

// NeedsProcessing reports whether the file must be (re)ingested.
func (c Change) NeedsProcessing() bool {
	return c != Unchanged
}

// Fingerprint identifies one version of a file's content.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
	Hash    string
}

// Digest accumulates the size and MD5 of bytes written to it.
type Digest struct {
	h hash.Hash
	n int64
}

// NewDigest returns an empty Digest.
func NewDigest() *Digest {
	return &Digest{h: md5.New()}
}

func (d *Digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Size returns the number of bytes written.
func (d *Digest) Size() int64 {
	return d.n
}

// Hash returns the hex MD5 of the bytes written.
func (d *Digest) Hash() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Compute stats and hashes path, streaming the content through MD5.
func Compute(path string) (Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, usage.NewError(usage.ErrFileAccess, "open", path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Fingerprint{}, usage.NewError(usage.ErrFileAccess, "stat", path, err)
	}

	d := NewDigest()
	if _, err := io.Copy(d, f); err != nil {
		return Fingerprint{}, usage.NewError(usage.ErrFileAccess, "hash", path, err)
	}
	return Fingerprint{
		Size:    d.Size(),
		ModTime: info.ModTime(),
		Hash:    d.Hash(),
	}, nil
}

// Classify compares fp with prev. Only the hash decides between changed and
// unchanged; size and mtime are recorded but never trusted on their own.
func Classify(prev *usage.FileRecord, fp Fingerprint) Change {
	switch {
	case prev == nil:
		return NewFile
	case prev.Status == usage.StatusProcessing:
		return Interrupted
	case prev.Status != usage.StatusCompleted:
		return Changed
	case prev.ContentHash != fp.Hash:
		return Changed
	default:
		return Unchanged
	}
}

// Tracker answers classification queries against a snapshot of records.
type Tracker struct {
	records map[string]usage.FileRecord
}

// New builds a Tracker from the records currently stored.
func New(records []usage.FileRecord) *Tracker {
	m := make(map[string]usage.FileRecord, len(records))
	for _, r := range records {
		m[r.FilePath] = r
	}
	return &Tracker{records: m}
}

// Record returns the stored record for path, if any.
func (t *Tracker) Record(path string) (usage.FileRecord, bool) {
	r, ok := t.records[path]
	return r, ok
}

// Classify classifies path with fingerprint fp.
func (t *Tracker) Classify(path string, fp Fingerprint) Change {
	if r, ok := t.records[path]; ok {
		return Classify(&r, fp)
	}
	return Classify(nil, fp)
}

// Vanished returns tracked paths absent from present, sorted.
func (t *Tracker) Vanished(present map[string]bool) []string {
	var gone []string
	for path := range t.records {
		if !present[path] {
			gone = append(gone, path)
		}
	}
	sort.Strings(gone)
	return gone
}
