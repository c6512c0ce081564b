package cache

import "time"

// Expiry is the freshness lifetime of an entry: a duration, or forever.
type Expiry struct {
	d       time.Duration
	forever bool
}

// Forever is an expiry that never passes.
func Forever() Expiry { return Expiry{forever: true} }

// In returns an expiry d from the time of the write. Negative durations are
// treated as zero, making the entry stale immediately.
func In(d time.Duration) Expiry {
	if d < 0 {
		d = 0
	}
	return Expiry{d: d}
}

func (e Expiry) IsForever() bool { return e.forever }

func (e Expiry) Duration() time.Duration { return e.d }

// deadline returns the expiry instant for a write at now; zero for forever.
func (e Expiry) deadline(now time.Time) time.Time {
	if e.forever {
		return time.Time{}
	}
	return now.Add(e.d)
}

// SetOptions carries the stale windows stored alongside an entry.
type SetOptions struct {
	StaleWhileRevalidate time.Duration
	StaleIfError         time.Duration
}

// Entry is a stored payload with its metadata. The store never expires
// entries itself; callers decide with IsFresh and Overage.
type Entry struct {
	Key                  string
	Payload              []byte
	Tags                 []string
	CreatedAt            time.Time
	ExpiresAt            time.Time // zero = never
	StaleWhileRevalidate time.Duration
	StaleIfError         time.Duration
}

// IsFresh reports whether the entry has not yet expired at now.
func (e *Entry) IsFresh(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// Overage is how long past expiry the entry is at now, zero while fresh.
func (e *Entry) Overage(now time.Time) time.Duration {
	if e.IsFresh(now) {
		return 0
	}
	return now.Sub(e.ExpiresAt)
}

// Remaining is the freshness left at now. ok is false for entries that
// never expire.
func (e *Entry) Remaining(now time.Time) (d time.Duration, ok bool) {
	if e.ExpiresAt.IsZero() {
		return 0, false
	}
	if d = e.ExpiresAt.Sub(now); d < 0 {
		d = 0
	}
	return d, true
}
