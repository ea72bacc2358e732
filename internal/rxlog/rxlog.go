// Package rxlog keeps a time ordered record of received datagrams so a
// listener can report how much traffic arrived over a recent window.
package rxlog

import (
	"sync"
	"time"

	"github.com/huandu/skiplist"
)

type Stats struct {
	Count int
	Bytes int
}

// Log is safe for concurrent use.
type Log struct {
	mu sync.Mutex

	// unix nanoseconds -> *Stats, datagrams sharing a timestamp are merged
	entries *skiplist.SkipList
}

func New() *Log {
	return &Log{
		entries: skiplist.New(skiplist.Int64Asc),
	}
}

func (l *Log) Add(at time.Time, size int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := at.UnixNano()
	if e := l.entries.Get(key); e != nil {
		s := e.Value.(*Stats)
		s.Count++
		s.Bytes += size
		return
	}
	l.entries.Set(key, &Stats{Count: 1, Bytes: size})
}

// Window sums the datagrams received in [from, to).
func (l *Log) Window(from, to time.Time) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total Stats
	end := to.UnixNano()
	for e := l.entries.Find(from.UnixNano()); e != nil && e.Key().(int64) < end; e = e.Next() {
		s := e.Value.(*Stats)
		total.Count += s.Count
		total.Bytes += s.Bytes
	}
	return total
}

// Rate returns datagrams per second over the window ending at now.
func (l *Log) Rate(now time.Time, window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	s := l.Window(now.Add(-window), now.Add(time.Nanosecond))
	return float64(s.Count) / window.Seconds()
}

// Prune drops everything received before the given time and returns how
// many datagrams were dropped.
func (l *Log) Prune(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	dropped := 0
	cut := before.UnixNano()
	for front := l.entries.Front(); front != nil && front.Key().(int64) < cut; front = l.entries.Front() {
		dropped += front.Value.(*Stats).Count
		l.entries.RemoveFront()
	}
	return dropped
}

// Total sums everything still in the log.
func (l *Log) Total() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var total Stats
	for e := l.entries.Front(); e != nil; e = e.Next() {
		s := e.Value.(*Stats)
		total.Count += s.Count
		total.Bytes += s.Bytes
	}
	return total
}
