package pipeline

import (
	"bufio"
	"errors"
	"io"
	"os"
	"time"

	"github.com/marcus/tokentally/internal/dedup"
	"github.com/marcus/tokentally/internal/normalize"
	"github.com/marcus/tokentally/internal/pricing"
	"github.com/marcus/tokentally/internal/scan"
	"github.com/marcus/tokentally/internal/tracker"
	"github.com/marcus/tokentally/internal/usage"
)

const (
	initialLineBuffer = 64 * 1024
	// MaxLineSize bounds a single log line. Tool results embedded in session
	// logs can run to several megabytes.
	MaxLineSize = 32 * 1024 * 1024
)

// ParsedFile is the outcome of reading one source file.
type ParsedFile struct {
	// Events are normalized, keyed and priced, in line order.
	Events []usage.Event
	// Fingerprint covers exactly the bytes that were parsed.
	Fingerprint tracker.Fingerprint
	Lines       int
	// Rejected counts well-formed lines that are not usage events.
	Rejected    int
	ParseErrors int
	Duplicates  int
	// Unpriced counts events per model key with no pricing entry.
	Unpriced map[string]int
}

// Parser reads source files through normalization, deduplication and
// pricing.
type Parser struct {
	norm   *normalize.Normalizer
	prices *pricing.Model
}

// NewParser returns a Parser.
func NewParser(norm *normalize.Normalizer, prices *pricing.Model) *Parser {
	return &Parser{norm: norm, prices: prices}
}

// Prices returns the pricing model in use.
func (p *Parser) Prices() *pricing.Model {
	return p.prices
}

// ParseFile streams src line by line. Events whose identity d has already
// seen are dropped. Malformed lines are counted and skipped; only failures
// to read the file itself are returned, as usage.ErrFileAccess.
func (p *Parser) ParseFile(src scan.SourceFile, d *dedup.Deduplicator) (ParsedFile, error) {
	f, err := os.Open(src.Path)
	if err != nil {
		return ParsedFile{}, usage.NewError(usage.ErrFileAccess, "open", src.Path, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return ParsedFile{}, usage.NewError(usage.ErrFileAccess, "stat", src.Path, err)
	}

	digest := tracker.NewDigest()
	scanner := bufio.NewScanner(io.TeeReader(f, digest))
	scanner.Buffer(make([]byte, 0, initialLineBuffer), MaxLineSize)

	out := ParsedFile{Unpriced: map[string]int{}}
	fc := normalize.FileContext{
		SourceFile:  src.Path,
		ProjectPath: src.ProjectPath,
		ProjectName: src.ProjectName,
	}

	for scanner.Scan() {
		out.Lines++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		fc.Line = out.Lines

		e, err := p.norm.Normalize(line, fc)
		switch {
		case errors.Is(err, normalize.ErrRejected):
			out.Rejected++
			continue
		case err != nil:
			out.ParseErrors++
			continue
		}

		if !d.Keep(&e) {
			out.Duplicates++
			continue
		}
		if !p.prices.Apply(&e) {
			out.Unpriced[e.Model]++
		}
		out.Events = append(out.Events, e)
	}
	if err := scanner.Err(); err != nil {
		return ParsedFile{}, usage.NewError(usage.ErrFileAccess, "read", src.Path, err)
	}

	out.Fingerprint = tracker.Fingerprint{
		Size:    digest.Size(),
		ModTime: info.ModTime(),
		Hash:    digest.Hash(),
	}
	return out, nil
}

// record builds the FileRecord for src with fingerprint fp.
func record(src scan.SourceFile, fp tracker.Fingerprint) usage.FileRecord {
	modTime := fp.ModTime
	if modTime.IsZero() {
		modTime = src.ModTime
	}
	return usage.FileRecord{
		FilePath:     src.Path,
		FileSize:     fp.Size,
		LastModified: modTime.Truncate(time.Millisecond),
		ContentHash:  fp.Hash,
	}
}
