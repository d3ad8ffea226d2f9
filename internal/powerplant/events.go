package powerplant

import "time"

// Startup is emitted once all workers are running and the network master (if
// enabled) is up.
type Startup struct {
	Name string
	At   time.Time
}

// Shutdown is delivered once, after the pool has drained, by running every
// Shutdown reaction on the coordinating goroutine.
type Shutdown struct {
	Name string
	At   time.Time
}
