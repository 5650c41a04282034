// Package worker runs queued workflow executions on a fixed-size pool.
//
// A Pool owns one dispatcher goroutine that pulls jobs from a
// taskqueue.Queue and hands each to a bounded goroutine pool. The pool size
// is the hard cap on concurrent executions per process: when every worker is
// busy, submission blocks and further jobs simply wait in the queue, which
// may be shared by multiple processes.
//
// On Start the pool sweeps the execution store for RUNNING records that
// stopped receiving updates, failing them so their users are not left
// watching an execution that no worker owns. Paused executions are exempt:
// a debugging session is idle on purpose.
//
// ProcessOne exists for embedders that want to drive the loop themselves,
// typically in tests or single-shot CLI tools.
package worker
