package dma

import (
	"fmt"
	"runtime"
	"strings"
)

// WaitStrategy is how the processing task waits for a transfer. Both
// implementations return only after the transfer's writes are visible to
// the caller.
type WaitStrategy interface {
	WaitComplete(c *Completion)
	String() string
}

// PollingWait spins on the completion flag, yielding the processor
// between checks. It suits transfers that finish faster than a context
// switch.
type PollingWait struct{}

func (PollingWait) WaitComplete(c *Completion) {
	for !c.Done() {
		runtime.Gosched()
	}
}

func (PollingWait) String() string { return "polling" }

// BlockingWait parks the caller until the completion is signalled.
type BlockingWait struct{}

func (BlockingWait) WaitComplete(c *Completion) {
	<-c.Signal()
}

func (BlockingWait) String() string { return "blocking" }

// ParseWaitStrategy converts "polling" or "blocking" to a strategy.
func ParseWaitStrategy(s string) (WaitStrategy, error) {
	switch strings.ToLower(s) {
	case "", "blocking":
		return BlockingWait{}, nil
	case "polling":
		return PollingWait{}, nil
	default:
		return nil, fmt.Errorf("dma: unknown wait strategy %q", s)
	}
}
