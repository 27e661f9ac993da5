package engine

import (
	"golang.org/x/sync/errgroup"
)

// RunConcurrentTrxs drives n independent short transactions
// concurrently, each running body against its own fresh transaction
// id: begin, body, commit-or-abort on error. It exists to exercise
// the lock manager's deadlock detection and wait-queue behavior under
// real goroutine concurrency rather than a single-threaded test.
func (e *Engine) RunConcurrentTrxs(n int, body func(e *Engine, trxID int) error) error {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			trxID, err := e.TrxBegin()
			if err != nil {
				return err
			}
			if err := body(e, trxID); err != nil {
				_ = e.TrxAbort(trxID)
				return err
			}
			return e.TrxCommit(trxID)
		})
	}
	return g.Wait()
}
