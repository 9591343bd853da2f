package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/exam-attempts/pkg/logger"
)

type funcJob struct {
	name string
	run  func(ctx context.Context) error
}

func (j *funcJob) Name() string                  { return j.name }
func (j *funcJob) Description() string           { return "test job " + j.name }
func (j *funcJob) Run(ctx context.Context) error { return j.run(ctx) }

func newTestScheduler() *Scheduler {
	return NewScheduler(SchedulerConfig{Logger: logger.Discard(), TickInterval: 5 * time.Millisecond})
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("45s")
	require.NoError(t, err)
	assert.Equal(t, "@every 45s", s.String())

	s, err = ParseSchedule("@every 60s")
	require.NoError(t, err)
	require.IsType(t, &IntervalSchedule{}, s)
	assert.Equal(t, time.Minute, s.(*IntervalSchedule).Interval)

	s, err = ParseSchedule("*/5 * * * *")
	require.NoError(t, err)
	from := time.Date(2025, 3, 1, 9, 2, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 5, 0, 0, time.UTC), s.Next(from))

	s, err = ParseSchedule("30 */2 * * * *")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 2, 30, 0, time.UTC), s.Next(from))

	for _, bad := range []string{"", "-5s", "every minute", "61 * * * *"} {
		_, err := ParseSchedule(bad)
		assert.ErrorIs(t, err, ErrInvalidSchedule, bad)
	}
}

func TestScheduler_RunsAndSkipsOverlap(t *testing.T) {
	s := newTestScheduler()

	var runs, concurrent, maxConcurrent int32
	job := &funcJob{name: "slow", run: func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		n := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if n <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil
	}}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Millisecond), RunOnStart()))
	assert.ErrorIs(t, s.Register(job, NewIntervalSchedule(time.Second)), ErrJobAlreadyExists)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent))

	info, err := s.GetJobInfo("slow")
	require.NoError(t, err)
	assert.Positive(t, info.SkipCount)
	assert.False(t, info.Running)
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
}

func TestScheduler_TimeoutAndPanicBecomeFailures(t *testing.T) {
	s := newTestScheduler()

	hang := &funcJob{name: "hang", run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	boom := &funcJob{name: "boom", run: func(context.Context) error { panic("bad job") }}

	require.NoError(t, s.Register(hang, NewIntervalSchedule(time.Hour), WithTimeout(10*time.Millisecond)))
	require.NoError(t, s.Register(boom, NewIntervalSchedule(time.Hour)))

	res, err := s.RunNow(context.Background(), "hang")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, res.Success)
	assert.True(t, res.Manual)

	_, err = s.RunNow(context.Background(), "boom")
	assert.ErrorIs(t, err, ErrJobPanicked)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	snap := s.GetMetrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalFailures)
	assert.Len(t, s.GetHistory(0), 2)
}

func TestScheduler_RunNowRejectsWhileRunning(t *testing.T) {
	s := newTestScheduler()

	release := make(chan struct{})
	started := make(chan struct{})
	job := &funcJob{name: "blocking", run: func(ctx context.Context) error {
		close(started)
		<-release
		return errors.New("done with error")
	}}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Hour)))

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "blocking")
		done <- err
	}()
	<-started

	_, err := s.RunNow(context.Background(), "blocking")
	assert.ErrorIs(t, err, ErrJobRunning)

	close(release)
	assert.EqualError(t, <-done, "done with error")

	infos := s.ListJobs()
	require.Len(t, infos, 1)
	assert.Equal(t, int64(1), infos[0].FailCount)
}

func TestScheduler_DisabledJobDoesNotRun(t *testing.T) {
	s := newTestScheduler()

	var runs int32
	job := &funcJob{name: "off", run: func(context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}}
	require.NoError(t, s.Register(job, NewIntervalSchedule(time.Millisecond), RunOnStart()))
	require.NoError(t, s.DisableJob("off"))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Zero(t, atomic.LoadInt32(&runs))
	assert.ErrorIs(t, s.EnableJob("nope"), ErrJobNotFound)
}
