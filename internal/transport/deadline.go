package transport

import "time"

// controlWriteTimeout bounds best-effort control frame writes (close
// messages, pings) so a stalled peer can't hang a shutdown path.
const controlWriteTimeout = 2 * time.Second

func deadlineNow() time.Time {
	return time.Now().Add(controlWriteTimeout)
}
