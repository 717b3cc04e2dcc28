package test

import (
	"bytes"
	"strings"
	"sync"
)

// SafeBuffer is a bytes.Buffer made safe for concurrent access. Loggers backed
// by a SafeBuffer can be shared by the scheduler's loop goroutine and the
// goroutines running monitor updates without a data race.
type SafeBuffer struct {
	b bytes.Buffer
	m sync.RWMutex
}

func (b *SafeBuffer) Reset() {
	b.m.Lock()
	defer b.m.Unlock()
	b.b.Reset()
}

func (b *SafeBuffer) Write(p []byte) (n int, err error) {
	b.m.Lock()
	defer b.m.Unlock()
	return b.b.Write(p)
}

func (b *SafeBuffer) String() string {
	b.m.RLock()
	defer b.m.RUnlock()
	return b.b.String()
}

// CountLines returns how many lines written to the buffer contain substr.
func (b *SafeBuffer) CountLines(substr string) int {
	var count int
	for _, line := range strings.Split(b.String(), "\n") {
		if strings.Contains(line, substr) {
			count++
		}
	}
	return count
}
