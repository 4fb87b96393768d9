package wsstream

import (
	"sync"

	"github.com/getlantern/ops"
)

const defaultLoopBacklog = 1024

// Loop runs posted completions one at a time on a single goroutine,
// in FIFO order per poster. Every Conn is driven by exactly one Loop;
// its state is only ever touched from the loop goroutine, which is
// what serializes callbacks against each other.
type Loop struct {
	tasks     chan func()
	closed    chan struct{}
	closeOnce sync.Once
}

// NewLoop creates a Loop and starts its goroutine.
func NewLoop() *Loop {
	l := &Loop{
		tasks:  make(chan func(), defaultLoopBacklog),
		closed: make(chan struct{}),
	}
	ops.Go(l.run)
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.tasks:
			select {
			case <-l.closed:
				return
			default:
			}
			fn()
		case <-l.closed:
			return
		}
	}
}

// Post schedules fn to run on the loop goroutine after everything
// posted before it. Posting to a closed loop discards fn.
func (l *Loop) Post(fn func()) {
	select {
	case <-l.closed:
		return
	default:
	}
	select {
	case l.tasks <- fn:
	case <-l.closed:
	}
}

// Close stops the loop. Tasks still queued are not run.
func (l *Loop) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	return nil
}
