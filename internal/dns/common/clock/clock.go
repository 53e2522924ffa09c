package clock

import (
	"sync"
	"time"
)

// Clock abstracts time so that retry scheduling can be tested without sleeping.
type Clock interface {
	Now() time.Time
	// After delivers the current time on the returned channel once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

type RealClock struct{}

func (c RealClock) Now() time.Time {
	return time.Now()
}

func (c RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// MockClock is a manually advanced Clock. Timers created with After fire
// when Advance moves the current time past their deadline.
type MockClock struct {
	mu          sync.Mutex
	CurrentTime time.Time
	waiters     []mockWaiter
}

type mockWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CurrentTime
}

func (c *MockClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := c.CurrentTime.Add(d)
	if d <= 0 {
		ch <- c.CurrentTime
		return ch
	}
	c.waiters = append(c.waiters, mockWaiter{deadline: deadline, ch: ch})
	return ch
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CurrentTime = c.CurrentTime.Add(d)

	pending := c.waiters[:0]
	for _, w := range c.waiters {
		if c.CurrentTime.Before(w.deadline) {
			pending = append(pending, w)
			continue
		}
		w.ch <- c.CurrentTime
	}
	c.waiters = pending
}

// Pending reports how many timers have not fired yet.
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
