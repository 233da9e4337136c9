package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the previous hash of the first entry of a chain.
var GenesisHash = strings.Repeat("0", 64)

// LogEntry is one link of the audit chain.
type LogEntry struct {
	Sequence     uint64 `json:"sequence"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

func (e *LogEntry) computeHash() string {
	input := fmt.Sprintf("%d|%s|%s|%s", e.Sequence, e.PreviousHash, e.Timestamp, e.Payload)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ChainLogger appends hash-chained entries and keeps the most recent ones
// in memory.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	sequence     uint64
	tail         []*LogEntry
	capacity     int
	hooks        []func(LogEntry)
	now          func() time.Time
}

// NewChainLogger returns a logger that retains the last capacity entries.
func NewChainLogger(capacity int) *ChainLogger {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ChainLogger{
		previousHash: GenesisHash,
		capacity:     capacity,
		now:          time.Now,
	}
}

// OnAppend registers fn to receive every new entry, e.g. to ship it to
// durable storage. Hooks run after the logger's lock is released.
func (c *ChainLogger) OnAppend(fn func(LogEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// Append adds payload to the chain.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	c.sequence++
	entry := &LogEntry{
		Sequence:     c.sequence,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entry.computeHash()
	c.previousHash = entry.Hash

	c.tail = append(c.tail, entry)
	if len(c.tail) > c.capacity {
		c.tail = append(c.tail[:0:0], c.tail[len(c.tail)-c.capacity:]...)
	}
	hooks := c.hooks
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(*entry)
	}
	return entry
}

// Appendf formats key=value pairs into a payload, sorted by key.
func (c *ChainLogger) Appendf(fields map[string]string) *LogEntry {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return c.Append(strings.Join(parts, " "))
}

// Head returns the hash of the last entry.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

// Tail returns copies of up to n of the most recent entries, oldest first.
func (c *ChainLogger) Tail(n int) []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.tail) {
		n = len(c.tail)
	}
	out := make([]LogEntry, 0, n)
	for _, e := range c.tail[len(c.tail)-n:] {
		out = append(out, *e)
	}
	return out
}

// VerifyChain checks that entries link to each other, have consecutive
// sequence numbers and carry the hash of their contents.
func VerifyChain(entries []LogEntry) bool {
	for i := range entries {
		e := &entries[i]
		if i > 0 {
			prev := &entries[i-1]
			if e.PreviousHash != prev.Hash || e.Sequence != prev.Sequence+1 {
				return false
			}
		}
		if e.computeHash() != e.Hash {
			return false
		}
	}
	return true
}
