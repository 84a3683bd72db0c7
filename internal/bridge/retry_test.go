package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javanstorm/vmctl/pkg/vmm"
)

// flakyCaller rejects the first k calls with ErrorUpcallNotReady and then
// succeeds. A negative k never succeeds. Attempt times are recorded.
type flakyCaller struct {
	mu       sync.Mutex
	k        int
	calls    int
	attempts []time.Time
}

func (f *flakyCaller) Call(a vmm.Action) (vmm.Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.attempts = append(f.attempts, time.Now())
	if f.k < 0 || f.calls <= f.k {
		return nil, &RejectedError{Action: a.Kind(), Err: vmm.ErrUpcallNotReady()}
	}
	return vmm.Empty{}, nil
}

type sleepRecorder struct {
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(d time.Duration) {
	s.sleeps = append(s.sleeps, d)
}

type attemptRecorder struct {
	kind     vmm.ActionKind
	attempts int
}

func (a *attemptRecorder) ObserveAttempts(kind vmm.ActionKind, attempts int) {
	a.kind = kind
	a.attempts = attempts
}

func TestRetrySucceedsAfterNotReady(t *testing.T) {
	for _, k := range []int{0, 1, 7, 499} {
		caller := &flakyCaller{k: k}
		rec := &sleepRecorder{}
		obs := &attemptRecorder{}
		r := NewRetrier(caller, WithSleep(rec.sleep), WithRetryObserver(obs))

		data, err := r.CallWithRetry(vmm.InsertBlockDevice{})
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, vmm.Empty{}, data)
		assert.Equal(t, k+1, caller.calls, "k=%d", k)
		require.Len(t, rec.sleeps, k)
		for _, d := range rec.sleeps {
			assert.Equal(t, DefaultBackoff, d)
		}
		assert.Equal(t, vmm.KindInsertBlockDevice, obs.kind)
		assert.Equal(t, k+1, obs.attempts)
	}
}

func TestRetrySpacesAttemptsInRealTime(t *testing.T) {
	caller := &flakyCaller{k: 3}
	r := NewRetrier(caller)

	_, err := r.CallWithRetry(vmm.InsertNetworkDevice{})
	require.NoError(t, err)
	require.Len(t, caller.attempts, 4)
	for i := 1; i < len(caller.attempts); i++ {
		gap := caller.attempts[i].Sub(caller.attempts[i-1])
		assert.GreaterOrEqual(t, gap, DefaultBackoff, "gap before attempt %d", i+1)
	}
}

func TestRetryExhausted(t *testing.T) {
	caller := &flakyCaller{k: -1}
	rec := &sleepRecorder{}
	r := NewRetrier(caller, WithSleep(rec.sleep))

	data, err := r.CallWithRetry(vmm.InsertMemoryDevice{})
	require.Error(t, err)
	assert.Nil(t, data)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, DefaultMaxAttempts, caller.calls)
	assert.Len(t, rec.sleeps, DefaultMaxAttempts-1)
}

func TestRetryShortCircuits(t *testing.T) {
	final := &RejectedError{Action: vmm.KindInsertHostDevice, Err: vmm.NewActionError(vmm.ErrorUnsupported, "no vfio")}

	tests := []struct {
		name string
		err  error
	}{
		{"final rejection", final},
		{"channel closed", ErrChannelClosed},
		{"plain error", errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			rec := &sleepRecorder{}
			r := NewRetrier(CallerFunc(func(vmm.Action) (vmm.Data, error) {
				calls++
				return nil, tt.err
			}), WithSleep(rec.sleep))

			_, err := r.CallWithRetry(vmm.InsertHostDevice{})
			assert.ErrorIs(t, err, tt.err)
			assert.NotErrorIs(t, err, ErrRetriesExhausted)
			assert.Equal(t, 1, calls)
			assert.Empty(t, rec.sleeps)
		})
	}
}

func TestRetryOptions(t *testing.T) {
	caller := &flakyCaller{k: -1}
	rec := &sleepRecorder{}
	r := NewRetrier(caller,
		WithMaxAttempts(3),
		WithBackoff(time.Millisecond),
		WithSleep(rec.sleep),
		WithMaxAttempts(0),
	)

	_, err := r.AsCaller().Call(vmm.InsertFsDevice{})
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 3, caller.calls)
	assert.Equal(t, []time.Duration{time.Millisecond, time.Millisecond}, rec.sleeps)
}

func TestRetryOverChannel(t *testing.T) {
	remaining := 4
	client := newTestClient(t, func(vmm.Action) vmm.Outcome {
		if remaining > 0 {
			remaining--
			return vmm.Fail(vmm.ErrUpcallNotReady())
		}
		return vmm.Succeed(nil)
	})

	rec := &sleepRecorder{}
	_, err := NewRetrier(client, WithSleep(rec.sleep)).CallWithRetry(vmm.InsertVsockDevice{})
	require.NoError(t, err)
	assert.Len(t, rec.sleeps, 4)
}
