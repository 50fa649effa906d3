package queues

import "errors"

// ErrPipeBroken reports an operation on a queue whose other end is gone:
// reads from a broken-and-drained queue, writes to a broken or collected
// one.
var ErrPipeBroken = errors.New("queues: pipe broken")
