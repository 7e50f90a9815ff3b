package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Clock is the time source of the download poll.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Detector recognises a finished artifact in a download directory. The
// browser gives no completion signal for downloads, so the directory is
// polled every Interval until Timeout.
type Detector struct {
	Prefix        string
	Extension     string
	PartialSuffix string
	Interval      time.Duration
	Timeout       time.Duration
	Clock         Clock
}

// Match reports whether name is a complete artifact.
func (d Detector) Match(name string) bool {
	if !strings.HasPrefix(name, d.Prefix) || !strings.HasSuffix(name, d.Extension) {
		return false
	}
	return d.PartialSuffix == "" || !strings.HasSuffix(name, d.PartialSuffix)
}

// Snapshot returns the names present in dir, which Await will ignore.
func (d Detector) Snapshot(dir string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		seen[e.Name()] = struct{}{}
	}
	return seen, nil
}

// Await polls dir and returns the path of the first matching entry that is
// not in existing. It fails with ErrDownloadTimeout once Timeout elapses.
func (d Detector) Await(dir string, existing map[string]struct{}) (string, error) {
	clock := d.Clock
	if clock == nil {
		clock = realClock{}
	}
	deadline := clock.Now().Add(d.Timeout)

	for {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return "", fmt.Errorf("list downloads: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if _, old := existing[e.Name()]; old {
				continue
			}
			if d.Match(e.Name()) {
				return filepath.Join(dir, e.Name()), nil
			}
		}

		if !clock.Now().Before(deadline) {
			return "", fmt.Errorf("%w after %s", ErrDownloadTimeout, d.Timeout)
		}
		<-clock.After(d.Interval)
	}
}
