package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		TickInterval: time.Millisecond,
		StaggerDelay: time.Nanosecond,
	}
}

func instantSuccess(ctx context.Context, req JobRequest) (*JobResult, error) {
	return &JobResult{URL: "https://cdn.example.com/img.webp"}, nil
}

func blockUntilCancelled(ctx context.Context, req JobRequest) (*JobResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func testBatch(models, products int, allCombinations bool) BatchRequest {
	m := make([][]byte, models)
	for i := range m {
		m[i] = []byte{byte(i)}
	}
	p := make([][]byte, products)
	for i := range p {
		p[i] = []byte{byte(i)}
	}
	return BatchRequest{
		Models:          m,
		Products:        p,
		Prompt:          "wear it",
		AspectRatio:     "portrait",
		AllCombinations: allCombinations,
	}
}

func TestStartBatchAllCombinations(t *testing.T) {
	o := New(instantSuccess, testOptions())

	jobs, err := o.StartBatch(testBatch(2, 3, true))
	require.NoError(t, err)
	require.Len(t, jobs, 6)

	// Model-outer, product-inner enumeration.
	wantPairs := [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}
	for i, job := range jobs {
		assert.Equal(t, wantPairs[i][0], job.ModelIndex, "job %d model index", i)
		assert.Equal(t, wantPairs[i][1], job.ProductIndex, "job %d product index", i)
	}

	// Sequence numbers strictly increase in creation order.
	for i := 1; i < len(jobs); i++ {
		assert.Greater(t, jobs[i].Seq, jobs[i-1].Seq)
	}
}

func TestStartBatchSingleModelWhenNotAllCombinations(t *testing.T) {
	o := New(instantSuccess, testOptions())

	jobs, err := o.StartBatch(testBatch(3, 2, false))
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, job := range jobs {
		assert.Equal(t, 0, job.ModelIndex)
	}
}

func TestStartBatchValidation(t *testing.T) {
	o := New(instantSuccess, testOptions())

	_, err := o.StartBatch(BatchRequest{Prompt: "x"})
	assert.Error(t, err)

	req := testBatch(1, 1, false)
	req.Prompt = ""
	_, err = o.StartBatch(req)
	assert.Error(t, err)
}

func TestJobsNewestFirst(t *testing.T) {
	o := New(instantSuccess, testOptions())

	_, err := o.StartBatch(testBatch(1, 2, false))
	require.NoError(t, err)
	_, err = o.StartBatch(testBatch(1, 1, false))
	require.NoError(t, err)

	jobs := o.Jobs()
	require.Len(t, jobs, 3)
	for i := 1; i < len(jobs); i++ {
		assert.Greater(t, jobs[i-1].Seq, jobs[i].Seq, "jobs must be newest first")
	}
}

func TestJobsComplete(t *testing.T) {
	o := New(instantSuccess, testOptions())

	jobs, err := o.StartBatch(testBatch(1, 2, false))
	require.NoError(t, err)

	waitFor(t, func() bool { return o.Idle() })

	for _, created := range jobs {
		job, ok := o.Job(created.ID)
		require.True(t, ok)
		assert.Equal(t, StatusComplete, job.Status)
		assert.Equal(t, float64(100), job.Progress)
		assert.Equal(t, "https://cdn.example.com/img.webp", job.ResultImageURL)
	}
}

func TestJobFailureKeepsMessage(t *testing.T) {
	fail := func(ctx context.Context, req JobRequest) (*JobResult, error) {
		return nil, errors.New("provider exploded")
	}
	o := New(fail, testOptions())

	jobs, err := o.StartBatch(testBatch(1, 1, false))
	require.NoError(t, err)

	waitFor(t, func() bool {
		job, _ := o.Job(jobs[0].ID)
		return job.IsTerminal()
	})

	job, _ := o.Job(jobs[0].ID)
	assert.Equal(t, StatusError, job.Status)
	assert.Equal(t, "provider exploded", job.ErrorMessage)
}

func TestProgressStaysBelowCompletionWhileLoading(t *testing.T) {
	o := New(blockUntilCancelled, testOptions())

	jobs, err := o.StartBatch(testBatch(1, 1, false))
	require.NoError(t, err)

	waitFor(t, func() bool {
		job, _ := o.Job(jobs[0].ID)
		return job.Progress > 0
	})

	// Let the simulator run a while; progress must never pass 98.
	time.Sleep(50 * time.Millisecond)
	job, _ := o.Job(jobs[0].ID)
	assert.Equal(t, StatusLoading, job.Status)
	assert.LessOrEqual(t, job.Progress, 98.0)

	require.NoError(t, o.CancelJob(jobs[0].ID))
}

func TestProgressMonotone(t *testing.T) {
	p := 0.0
	for i := 0; i < 500; i++ {
		next := nextProgress(p)
		assert.GreaterOrEqual(t, next, p)
		assert.LessOrEqual(t, next, 98.0)
		p = next
	}
	assert.Equal(t, 98.0, p)
}

func TestCancelIsImmediate(t *testing.T) {
	o := New(blockUntilCancelled, testOptions())

	jobs, err := o.StartBatch(testBatch(1, 1, false))
	require.NoError(t, err)

	require.NoError(t, o.CancelJob(jobs[0].ID))

	// State settles synchronously, before the in-flight call returns.
	job, ok := o.Job(jobs[0].ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Equal(t, float64(0), job.Progress)
	assert.Equal(t, "Cancelled by user", job.ErrorMessage)
}

func TestCancelWinsOverLateSuccess(t *testing.T) {
	release := make(chan struct{})
	slow := func(ctx context.Context, req JobRequest) (*JobResult, error) {
		<-release
		return &JobResult{URL: "https://cdn.example.com/late.webp"}, nil
	}
	o := New(slow, testOptions())

	jobs, err := o.StartBatch(testBatch(1, 1, false))
	require.NoError(t, err)

	require.NoError(t, o.CancelJob(jobs[0].ID))
	close(release)

	// The late success must not overwrite the cancelled state.
	time.Sleep(20 * time.Millisecond)
	job, _ := o.Job(jobs[0].ID)
	assert.Equal(t, StatusCancelled, job.Status)
	assert.Empty(t, job.ResultImageURL)
}

func TestCancelTerminalJobFails(t *testing.T) {
	o := New(instantSuccess, testOptions())

	jobs, err := o.StartBatch(testBatch(1, 1, false))
	require.NoError(t, err)

	waitFor(t, func() bool { return o.Idle() })

	assert.Error(t, o.CancelJob(jobs[0].ID))
	assert.Error(t, o.CancelJob("no-such-job"))
}

func TestClearKeepsLoadingJobs(t *testing.T) {
	o := New(blockUntilCancelled, testOptions())

	first, err := o.StartBatch(testBatch(1, 1, false))
	require.NoError(t, err)
	require.NoError(t, o.CancelJob(first[0].ID))

	second, err := o.StartBatch(testBatch(1, 1, false))
	require.NoError(t, err)

	removed := o.Clear()
	assert.Equal(t, 1, removed)

	jobs := o.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, second[0].ID, jobs[0].ID)

	require.NoError(t, o.CancelJob(second[0].ID))
}

func TestFirstJobSelectedAndThumbnail(t *testing.T) {
	o := New(instantSuccess, testOptions())

	jobs, err := o.StartBatch(testBatch(1, 2, false))
	require.NoError(t, err)

	selected, ok := o.SelectedJob()
	require.True(t, ok)
	assert.Equal(t, jobs[0].ID, selected.ID)

	waitFor(t, func() bool { return o.Idle() })

	first, _ := o.Job(jobs[0].ID)
	second, _ := o.Job(jobs[1].ID)
	assert.True(t, first.ThumbnailLoaded)
	assert.False(t, second.ThumbnailLoaded)
}

func TestBatchCompletionNotice(t *testing.T) {
	o := New(instantSuccess, testOptions())

	var mu sync.Mutex
	var notices []string
	o.SetNoticeFunc(func(msg string) {
		mu.Lock()
		notices = append(notices, msg)
		mu.Unlock()
	})

	_, err := o.StartBatch(testBatch(1, 2, false))
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) > 0
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, notices, "All virtual try-on images generated!")
}

func TestJobFailureNotice(t *testing.T) {
	fail := func(ctx context.Context, req JobRequest) (*JobResult, error) {
		return nil, errors.New("provider exploded")
	}
	o := New(fail, testOptions())

	var mu sync.Mutex
	var notices []string
	o.SetNoticeFunc(func(msg string) {
		mu.Lock()
		notices = append(notices, msg)
		mu.Unlock()
	})

	jobs, err := o.StartBatch(testBatch(1, 1, false))
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notices) > 0
	})

	job, _ := o.Job(jobs[0].ID)
	assert.Equal(t, StatusError, job.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, notices, "provider exploded")
}

func TestSubscribeSignalsOnChange(t *testing.T) {
	o := New(instantSuccess, testOptions())
	ch := o.Subscribe()

	_, err := o.StartBatch(testBatch(1, 1, false))
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a change signal")
	}
}
