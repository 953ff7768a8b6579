package link

import (
	"math/rand"
	"time"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
)

// reconnectDelay returns the sleep before reconnect attempt n (0-based):
// full jitter over an exponential ceiling that starts at 1s and doubles up
// to 60s.
func reconnectDelay(attempt int) time.Duration {
	ceiling := backoffBase
	for i := 0; i < attempt && ceiling < backoffCap; i++ {
		ceiling *= 2
	}
	if ceiling > backoffCap {
		ceiling = backoffCap
	}
	return time.Duration(rand.Int63n(int64(ceiling)) + 1)
}
