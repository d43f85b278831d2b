// Package testing provides goroutine-safe test helpers and in-memory fakes
// of the probe directory and the notifier.
//
// Import it as ktesting next to the standard testing package.
package testing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Error Channel Pattern
// =============================================================================

// GoroutineTest collects errors from goroutines started by a test.
//
// t.Fatal called from a goroutine only exits that goroutine, so workers
// return errors instead and Wait reports them.
//
//	gt := ktesting.NewGoroutineTest(t)
//	defer gt.Wait()
//
//	gt.Go(func() error {
//	    if err := reg.Append("S1", ts, v); err != nil {
//	        return fmt.Errorf("Append: %w", err)
//	    }
//	    return nil
//	})
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a GoroutineTest.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	return NewGoroutineTestWithTimeout(t, 0)
}

// NewGoroutineTestWithTimeout creates a GoroutineTest whose context expires
// after timeout. Zero means no timeout.
func NewGoroutineTestWithTimeout(t *testing.T, timeout time.Duration) *GoroutineTest {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	return &GoroutineTest{
		t:      t,
		errors: make(chan error, 100),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs fn in a goroutine and records its error.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.GoWithContext(func(context.Context) error { return fn() })
}

// GoWithContext runs fn with the test context in a goroutine.
func (gt *GoroutineTest) GoWithContext(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			select {
			case gt.errors <- err:
			default:
				gt.t.Logf("error channel full, dropping error: %v", err)
			}
		}
	}()
}

// Wait waits for every goroutine and fails the test if any returned an error.
func (gt *GoroutineTest) Wait() {
	gt.wg.Wait()
	gt.cancel()
	close(gt.errors)

	var errs []error
	for err := range gt.errors {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		gt.t.Errorf("goroutine test failed with %d error(s):", len(errs))
		for i, err := range errs {
			gt.t.Errorf("  [%d] %v", i+1, err)
		}
		gt.t.FailNow()
	}
}

// Context returns the test context.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// Cancel cancels the test context.
func (gt *GoroutineTest) Cancel() {
	gt.cancel()
}

// =============================================================================
// Waiting
// =============================================================================

// Eventually polls condition every interval until it holds or timeout
// expires.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition not met within %v", timeout)
}

// WithTimeout runs fn and gives up after timeout.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("operation timed out after %v", timeout)
	}
}

// FakeClock is a settable clock for code that takes a func() time.Time.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock stopped at unix seconds.
func NewFakeClock(unix int64) *FakeClock {
	return &FakeClock{now: time.Unix(unix, 0)}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to unix seconds.
func (c *FakeClock) Set(unix int64) {
	c.mu.Lock()
	c.now = time.Unix(unix, 0)
	c.mu.Unlock()
}
