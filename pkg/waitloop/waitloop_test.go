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

package waitloop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestPollSucceedsImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := 0
	err := Poll(context.Background(), time.Second, 0, clock, func() (bool, error) {
		calls++
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestPollRetriesUntilSuccess(t *testing.T) {
	clock := clockwork.NewFakeClock()
	calls := 0
	done := make(chan error, 1)

	go func() {
		done <- Poll(context.Background(), 10*time.Millisecond, 0, clock, func() (bool, error) {
			calls++
			return calls >= 3, nil
		})
	}()

	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)
	clock.BlockUntil(1)
	clock.Advance(10 * time.Millisecond)

	require.NoError(t, <-done)
	require.Equal(t, 3, calls)
}

func TestPollTerminalError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	wantErr := fmt.Errorf("fatal")
	err := Poll(context.Background(), time.Second, 0, clock, func() (bool, error) {
		return false, wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestPollCanceled(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		done <- Poll(ctx, 10*time.Millisecond, 0, clock, func() (bool, error) {
			return false, nil
		})
	}()
	clock.BlockUntil(1)

	require.ErrorIs(t, <-done, ErrCanceled)
}

func TestPollTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	done := make(chan error, 1)
	go func() {
		done <- Poll(context.Background(), 10*time.Millisecond, 20*time.Millisecond, clock, func() (bool, error) {
			return false, nil
		})
	}()

	clock.BlockUntil(2)
	clock.Advance(20 * time.Millisecond)

	require.ErrorIs(t, <-done, ErrTimeout)
}
