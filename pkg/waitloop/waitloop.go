/*
Copyright 2016 Mirantis

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package waitloop implements a cooperatively cancellable poll-until-ready
// loop, the retry idiom used wherever a blocking condition has to be
// observed by repeated short-interval checks instead of a single blocking
// syscall.
package waitloop

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrTimeout is returned by Poll when the deadline passes before pollFn
// reports done.
var ErrTimeout = fmt.Errorf("waitloop: timed out")

// ErrCanceled is returned by Poll when ctx is done before pollFn reports
// done.
var ErrCanceled = fmt.Errorf("waitloop: canceled")

// Poll calls pollFn every interval until it returns (true, nil) (success),
// returns a non-nil error (terminal failure), ctx is canceled (ErrCanceled),
// or timeout elapses (ErrTimeout). A timeout <= 0 means no deadline: Poll
// waits until pollFn succeeds, fails, or ctx is canceled. clock is never
// nil in production use; tests inject a clockwork.FakeClock so the retry
// cadence can be driven deterministically instead of slept through.
func Poll(ctx context.Context, interval, timeout time.Duration, clock clockwork.Clock, pollFn func() (bool, error)) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = clock.After(timeout)
	}

	for {
		done, err := pollFn()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ErrCanceled
		case <-deadline:
			return ErrTimeout
		case <-clock.After(interval):
		}
	}
}
