// Copyright 2016 Google Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package client

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	throttleIfAttemptedToLogWithin = 70 * time.Second
	allowLoggingIfSuppressedFor    = time.Hour
	maxLogThrottlerStateSize       = 10
)

// logThrottler suppresses identical log lines repeated within a short
// interval, e.g. a busy network full of DHCP traffic for other hosts.
type logThrottler struct {
	clock Clock

	mu    sync.Mutex
	state map[string]logThrottlerState
}

type logThrottlerState struct {
	lastAttemptedToLog time.Time
	lastActuallyLogged time.Time
	timesSuppressed    int
}

func newLogThrottler(clock Clock) *logThrottler {
	return &logThrottler{
		clock: clock,
		state: make(map[string]logThrottlerState),
	}
}

// shouldLog returns whether line should be logged, and how many times
// it has been suppressed since it was last logged.
func (t *logThrottler) shouldLog(line string) (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	state, ok := t.state[line]
	if !ok {
		t.state[line] = logThrottlerState{
			lastAttemptedToLog: now,
			lastActuallyLogged: now,
		}
		t.enforceMaxSizeLocked()
		return true, 0
	}

	lastAttempt := state.lastAttemptedToLog
	state.lastAttemptedToLog = now

	suppressed := state.timesSuppressed
	willLog := lastAttempt.Add(throttleIfAttemptedToLogWithin).Before(now) ||
		state.lastActuallyLogged.Add(allowLoggingIfSuppressedFor).Before(now)
	if willLog {
		state.lastActuallyLogged = now
		state.timesSuppressed = 0
	} else {
		state.timesSuppressed++
	}
	t.state[line] = state
	return willLog, suppressed
}

func (t *logThrottler) debugf(log *zap.SugaredLogger, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	ok, n := t.shouldLog(line)
	switch {
	case !ok:
	case n == 0:
		log.Debug(line)
	default:
		log.Debugw(line, "throttled", n)
	}
}

func (t *logThrottler) enforceMaxSizeLocked() {
	if len(t.state) <= maxLogThrottlerStateSize {
		return
	}
	// Evict the least recently used line.
	var (
		oldestLine string
		oldest     time.Time
	)
	for line, state := range t.state {
		if oldestLine == "" || state.lastAttemptedToLog.Before(oldest) {
			oldest = state.lastAttemptedToLog
			oldestLine = line
		}
	}
	delete(t.state, oldestLine)
}
