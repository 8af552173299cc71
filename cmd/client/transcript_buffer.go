package main

import (
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// TranscriptBuffer keeps a circular window of recently printed transcript
// lines so that interim results which barely differ from what is already
// on screen can be suppressed.
type TranscriptBuffer struct {
	lines    []string
	head     int
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewTranscriptBuffer creates a buffer remembering the last capacity lines.
func NewTranscriptBuffer(capacity int) *TranscriptBuffer {
	if capacity <= 0 {
		capacity = 1
	}

	return &TranscriptBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Add records a printed transcript line.
func (tb *TranscriptBuffer) Add(line string) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.lines[tb.head] = line
	tb.head = (tb.head + 1) % tb.capacity
	if tb.size < tb.capacity {
		tb.size++
	}
}

// IsSimilar reports whether line is within threshold similarity of any
// remembered line. Similarity is 1 - distance/maxLen over the normalized
// strings.
func (tb *TranscriptBuffer) IsSimilar(line string, threshold float64) bool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()

	normalized := normalizeTranscript(line)

	for i := 0; i < tb.size; i++ {
		if similarTranscripts(normalized, normalizeTranscript(tb.lines[i]), threshold) {
			return true
		}
	}
	return false
}

func normalizeTranscript(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func similarTranscripts(a, b string, threshold float64) bool {
	if a == b {
		return true
	}

	if a == "" || b == "" {
		return false
	}

	distance := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}

	similarity := 1.0 - (float64(distance) / float64(maxLen))
	return similarity >= threshold
}
