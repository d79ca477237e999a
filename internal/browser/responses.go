package browser

import (
	"sync"

	"github.com/JakeFAU/renderfetch/internal/render"
)

// maxResponses bounds the per-tab log; subresource-heavy pages can emit
// thousands of responses.
const maxResponses = 512

// Response is one network response observed in a tab.
type Response struct {
	URL      string
	Status   int
	LoaderID string
	Document bool
}

// ResponseLog records the responses of a single tab.
type ResponseLog struct {
	mu      sync.Mutex
	entries []Response
}

// Add appends r, evicting the oldest entry once the log is full.
func (l *ResponseLog) Add(r Response) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= maxResponses {
		l.entries = append(l.entries[:0], l.entries[1:]...)
	}
	l.entries = append(l.entries, r)
}

// Reset drops every entry.
func (l *ResponseLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Len reports the number of recorded responses.
func (l *ResponseLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// DocumentStatus returns the status of the latest document response
// belonging to loaderID, or 0.
func (l *ResponseLog) DocumentStatus(loaderID string) int {
	if loaderID == "" {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Document && e.LoaderID == loaderID {
			return e.Status
		}
	}
	return 0
}

// LastStatus returns the status of the most recent response for url, or 0.
func (l *ResponseLog) LastStatus(url string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if render.SameURL(l.entries[i].URL, url) {
			return l.entries[i].Status
		}
	}
	return 0
}
