package measurer

import "sync/atomic"

// ceiling is a byte counter shared by the concurrent transfers of a phase.
// Once the limit is reached, further chunks are rejected. Since a chunk is
// accepted only while the total is below the limit, the total never exceeds
// the limit by a full chunk.
type ceiling struct {
	limit int64
	count atomic.Int64
}

// add records n bytes and reports whether they were accepted. A
// non-positive limit accepts everything.
func (c *ceiling) add(n int64) bool {
	for {
		prev := c.count.Load()
		if c.limit > 0 && prev >= c.limit {
			return false
		}
		if c.count.CompareAndSwap(prev, prev+n) {
			return true
		}
	}
}

// reached reports whether the limit has been reached.
func (c *ceiling) reached() bool {
	return c.limit > 0 && c.count.Load() >= c.limit
}

func (c *ceiling) total() int64 {
	return c.count.Load()
}
