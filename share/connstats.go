package gtshare

import (
	"fmt"
	"sync/atomic"
)

// ConnStats keeps track of both currently open and total browser connection counts
type ConnStats struct {
	count atomic.Int32
	open  atomic.Int32
}

// New adds one to the total connection count and returns the connection's number
func (c *ConnStats) New() int32 {
	return c.count.Add(1)
}

// Open adds one to the current open connection count
func (c *ConnStats) Open() {
	c.open.Add(1)
}

// Close subtracts one from the current open connection count
func (c *ConnStats) Close() {
	c.open.Add(-1)
}

// NumOpen returns the number of open connections
func (c *ConnStats) NumOpen() int32 {
	return c.open.Load()
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", c.open.Load(), c.count.Load())
}
