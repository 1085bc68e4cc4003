package batch

import (
	"fmt"
	"runtime"
	"sync"
)

// Executor maps a function over n independent work items and blocks
// until all complete. Implementations must invoke fn exactly once per
// index; result ordering is the caller's concern (workers write into
// index-addressed slots). The correction pipeline behaves identically
// under a parallel or a sequential executor.
type Executor interface {
	Map(n int, fn func(i int) error) error
}

// Sequential runs work items one after the other in the calling
// goroutine, stopping at the first error.
type Sequential struct{}

// Map implements Executor.
func (Sequential) Map(n int, fn func(i int) error) error {
	for i := 0; i < n; i++ {
		if err := fn(i); err != nil {
			return err
		}
	}
	return nil
}

// Pool runs work items on a fixed number of goroutines.
type Pool struct {
	// Workers is the number of concurrent goroutines; zero or negative
	// means one per CPU.
	Workers int
}

// Map implements Executor. All items run to completion even when one
// fails; the first error in item order is returned so failures are
// deterministic.
func (p Pool) Map(n int, fn func(i int) error) error {
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	errs := make([]error, n)
	items := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range items {
				errs[i] = fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		items <- i
	}
	close(items)
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("work item %d: %w", i, err)
		}
	}
	return nil
}
