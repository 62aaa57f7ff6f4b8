package synq

import "time"

// clockBase anchors the package's monotonic clock. All trigger times and
// deadlines are nanoseconds since this instant; time.Since reads the
// monotonic component, so wall-clock jumps never reorder the delay heap.
var clockBase = time.Now()

func nanotime() int64 {
	return int64(time.Since(clockBase))
}
