package client

import "sync"

// Join failure messages shown to the user. The second consecutive miss on
// the same key escalates the wording; the backend response is identical
// either way.
const (
	MsgInvalidKey      = "Invalid or expired session key."
	MsgRepeatedAttempt = "Multiple failed attempts detected. The session creator has been alerted."
)

// JoinAttempts tracks consecutive failed joins per presented key.
type JoinAttempts struct {
	mu    sync.Mutex
	key   string
	count int
}

// NewJoinAttempts constructs an empty tracker.
func NewJoinAttempts() *JoinAttempts {
	return &JoinAttempts{}
}

// Fail records a failed join with the given key and returns the message to
// display. Switching keys restarts the count.
func (j *JoinAttempts) Fail(key string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if key != j.key {
		j.key = key
		j.count = 0
	}
	j.count++
	if j.count >= 2 {
		return MsgRepeatedAttempt
	}
	return MsgInvalidKey
}

// Success clears the tracker.
func (j *JoinAttempts) Success() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.key = ""
	j.count = 0
}

// Count returns the consecutive failures for the current key.
func (j *JoinAttempts) Count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}
