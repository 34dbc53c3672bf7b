package output

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpc2n/softwareaccounting/pkg/fanout"
	"github.com/hpc2n/softwareaccounting/pkg/sampler"
)

type fakeOutput struct {
	mu       sync.Mutex
	id       string
	stored   []sampler.Update
	writes   int
	failN    int
	writeErr error
}

func (f *fakeOutput) ID() string { return f.id }

func (f *fakeOutput) Store(samplerID string, data interface{}, final bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, sampler.Update{SamplerID: samplerID, Data: data, Final: final})
}

func (f *fakeOutput) Write(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writes <= f.failN {
		return f.writeErr
	}
	return nil
}

func (f *fakeOutput) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeOutput) storedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stored)
}

func TestRun_StoresEveryUpdateUntilStop(t *testing.T) {
	out := &fakeOutput{id: "fake"}
	ch := make(chan fanout.Message[sampler.Update], 4)
	ch <- fanout.Message[sampler.Update]{Value: sampler.Update{SamplerID: "a", Data: 1}}
	ch <- fanout.Message[sampler.Update]{Value: sampler.Update{SamplerID: "b", Data: 2}}
	ch <- fanout.Message[sampler.Update]{Stop: true}

	Run(context.Background(), out, ch, time.Hour, RetryPolicy{Count: 0, Sleep: 0})

	assert.Equal(t, 2, out.storedCount())
}

func TestRun_WritesOnceAtStopEvenWithoutPeriodicTick(t *testing.T) {
	out := &fakeOutput{id: "fake"}
	ch := make(chan fanout.Message[sampler.Update], 1)
	ch <- fanout.Message[sampler.Update]{Stop: true}

	Run(context.Background(), out, ch, time.Hour, RetryPolicy{Count: 0, Sleep: 0})

	assert.Equal(t, 1, out.writeCount())
}

func TestRun_ChannelClosedTriggersFinalWrite(t *testing.T) {
	out := &fakeOutput{id: "fake"}
	ch := make(chan fanout.Message[sampler.Update])
	close(ch)

	Run(context.Background(), out, ch, time.Hour, RetryPolicy{Count: 0, Sleep: 0})

	assert.Equal(t, 1, out.writeCount())
}

func TestRun_ContextCancelTriggersFinalWrite(t *testing.T) {
	out := &fakeOutput{id: "fake"}
	ch := make(chan fanout.Message[sampler.Update])
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	Run(ctx, out, ch, time.Hour, RetryPolicy{Count: 0, Sleep: 0})

	assert.Equal(t, 1, out.writeCount())
}

func TestFinalWrite_RetriesUpToPolicyCountOnFailure(t *testing.T) {
	out := &fakeOutput{id: "fake", failN: 2, writeErr: assert.AnError}
	ch := make(chan fanout.Message[sampler.Update], 1)
	ch <- fanout.Message[sampler.Update]{Stop: true}

	Run(context.Background(), out, ch, time.Hour, RetryPolicy{Count: 2, Sleep: time.Millisecond})

	assert.Equal(t, 3, out.writeCount())
}

func TestFinalWrite_StopsRetryingOnFirstSuccess(t *testing.T) {
	out := &fakeOutput{id: "fake", failN: 1, writeErr: assert.AnError}
	ch := make(chan fanout.Message[sampler.Update], 1)
	ch <- fanout.Message[sampler.Update]{Stop: true}

	Run(context.Background(), out, ch, time.Hour, RetryPolicy{Count: 5, Sleep: time.Millisecond})

	assert.Equal(t, 2, out.writeCount())
}

func TestRun_PeriodicTickWritesWithoutStopping(t *testing.T) {
	out := &fakeOutput{id: "fake"}
	ch := make(chan fanout.Message[sampler.Update], 1)

	done := make(chan struct{})
	go func() {
		Run(context.Background(), out, ch, 10*time.Millisecond, RetryPolicy{Count: 0, Sleep: 0})
		close(done)
	}()

	require.Eventually(t, func() bool { return out.writeCount() >= 1 }, time.Second, 5*time.Millisecond)
	ch <- fanout.Message[sampler.Update]{Stop: true}
	<-done
}
