// Package progress reads task documents and reports Markdown checkbox
// completion. Items under an "optional" heading or tagged optional inline
// are excluded from the completion count.
package progress

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrDocMissing is returned when the task document does not exist.
var ErrDocMissing = errors.New("task document not found")

// Report is the checkbox tally for one document.
type Report struct {
	Total     int // required items
	Completed int // required items checked
	Remaining int // required items unchecked
	Optional  int // excluded from the tally
}

// HasRemaining reports whether any required item is still unchecked.
func (r Report) HasRemaining() bool { return r.Remaining > 0 }

func (r Report) String() string {
	if r.Total == 0 && r.Optional == 0 {
		return "no tasks found in document"
	}
	s := fmt.Sprintf("%d/%d completed (%d remaining", r.Completed, r.Total, r.Remaining)
	if r.Optional > 0 {
		s += fmt.Sprintf(", %d optional excluded", r.Optional)
	}
	return s + ")"
}

var (
	headerRe    = regexp.MustCompile(`^(#{1,6})\s+`)
	uncheckedRe = regexp.MustCompile(`^\s*[-*+]\s*\[\s\]\s*\S`)
	checkedRe   = regexp.MustCompile(`^\s*[-*+]\s*\[[xX]\]\s*\S`)
)

func optionalMarker(line string) bool {
	return strings.Contains(strings.ToLower(line), "optional") ||
		strings.Contains(line, "可选")
}

// Parse tallies checkbox items in Markdown content. An "optional" section
// runs from its heading until the next heading of the same or higher level;
// everything inside it counts as optional, as does any single item whose
// text carries the optional marker.
func Parse(content string) Report {
	var rep Report
	inOptional := false
	optionalLevel := 0

	for _, line := range strings.Split(content, "\n") {
		if m := headerRe.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			switch {
			case optionalMarker(line):
				inOptional = true
				optionalLevel = level
			case inOptional && level <= optionalLevel:
				inOptional = false
				optionalLevel = 0
			}
			continue
		}

		unchecked := uncheckedRe.MatchString(line)
		checked := !unchecked && checkedRe.MatchString(line)
		if !unchecked && !checked {
			continue
		}
		if inOptional || optionalMarker(line) {
			rep.Optional++
			continue
		}
		rep.Total++
		if checked {
			rep.Completed++
		} else {
			rep.Remaining++
		}
	}
	return rep
}

type cacheEntry struct {
	report  Report
	scanned time.Time
}

// Checker parses documents with a small mtime-aware TTL cache. The watchdog
// polls documents on every tick; the cache keeps that cheap while a stale
// entry can never outlive a write, because the file mtime is compared
// against the scan time.
type Checker struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache map[string]cacheEntry
	now   func() time.Time
}

const defaultCacheTTL = 30 * time.Second

func NewChecker() *Checker {
	return &Checker{
		ttl:   defaultCacheTTL,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// Check parses the document at path, serving from cache when the file has
// not changed since the last scan.
func (c *Checker) Check(path string) (Report, error) {
	c.mu.Lock()
	entry, cached := c.cache[path]
	c.mu.Unlock()

	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Report{}, fmt.Errorf("%w: %s", ErrDocMissing, path)
		}
		return Report{}, err
	}

	if cached && c.now().Sub(entry.scanned) < c.ttl && !fi.ModTime().After(entry.scanned) {
		return entry.report, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, err
	}
	rep := Parse(string(data))

	c.mu.Lock()
	c.cache[path] = cacheEntry{report: rep, scanned: c.now()}
	c.mu.Unlock()
	return rep, nil
}

// Invalidate drops the cached report for path, or all reports when path is
// empty.
func (c *Checker) Invalidate(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if path == "" {
		c.cache = make(map[string]cacheEntry)
		return
	}
	delete(c.cache, path)
}
