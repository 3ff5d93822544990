package prefetch

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgierless/spark-advisory-engine/pkg/intent"
	"github.com/budgierless/spark-advisory-engine/pkg/model"
	"github.com/budgierless/spark-advisory-engine/pkg/packetstore"
)

func newTestWorker(t *testing.T) (*Worker, *packetstore.FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := packetstore.NewFileStore(dir, packetstore.DefaultConfig())
	require.NoError(t, err)
	statePath := filepath.Join(dir, "prefetch_worker_state.json")
	w := New(DefaultConfig(), store, statePath)
	return w, store, statePath
}

func sampleJob() model.PrefetchJob {
	return model.PrefetchJob{
		JobID:             "job-1",
		CreatedTS:         time.Now(),
		Status:            "queued",
		SessionID:         "sess-1",
		ProjectKey:        "proj-1",
		IntentFamily:      "deployment_ops",
		TaskPlane:         "build_delivery",
		Phase:             "exploration",
		LastTools:         []string{"Read"},
		SessionContextKey: "ctx-baseline",
	}
}

func TestProcessQueue_MaterializesPredictedPackets(t *testing.T) {
	w, store, _ := newTestWorker(t)
	job := sampleJob()
	require.NoError(t, store.EnqueuePrefetchJob(job))

	res := w.ProcessQueue(time.Now())

	assert.True(t, res.OK)
	assert.Equal(t, 1, res.JobsProcessed)
	assert.Greater(t, res.PacketsBuilt, 0)

	key := intent.SessionContextKey(job.Phase, job.IntentFamily, "Bash", job.LastTools)
	got, err := store.LookupExact(job.ProjectKey, key, "Bash", job.IntentFamily)
	require.NoError(t, err)
	assert.Equal(t, model.SourceModePrefetchDeterministic, got.SourceMode)
}

func TestProcessQueue_SkipsAlreadyProcessedJobs(t *testing.T) {
	w, store, _ := newTestWorker(t)
	job := sampleJob()
	require.NoError(t, store.EnqueuePrefetchJob(job))

	first := w.ProcessQueue(time.Now())
	require.Equal(t, 1, first.JobsProcessed)

	second := w.ProcessQueue(time.Now())
	assert.Equal(t, 0, second.JobsProcessed)
}

func TestProcessQueue_PausedReturnsWithoutTouchingQueue(t *testing.T) {
	w, store, _ := newTestWorker(t)
	require.NoError(t, w.Pause("manual maintenance"))

	job := sampleJob()
	require.NoError(t, store.EnqueuePrefetchJob(job))

	res := w.ProcessQueue(time.Now())

	assert.False(t, res.OK)
	assert.Equal(t, "paused", res.Reason)
	assert.Equal(t, 0, res.JobsProcessed)
}

func TestProcessQueue_ResumeAllowsProcessingAgain(t *testing.T) {
	w, store, _ := newTestWorker(t)
	require.NoError(t, w.Pause("manual maintenance"))
	require.NoError(t, w.Resume())

	job := sampleJob()
	require.NoError(t, store.EnqueuePrefetchJob(job))

	res := w.ProcessQueue(time.Now())
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.JobsProcessed)
}

func TestProcessQueue_RespectsMaxJobsPerRun(t *testing.T) {
	w, store, _ := newTestWorker(t)
	w.cfg.MaxJobsPerRun = 1

	job1 := sampleJob()
	job1.JobID = "job-1"
	job2 := sampleJob()
	job2.JobID = "job-2"
	require.NoError(t, store.EnqueuePrefetchJob(job1))
	require.NoError(t, store.EnqueuePrefetchJob(job2))

	res := w.ProcessQueue(time.Now())
	assert.Equal(t, 1, res.JobsProcessed)

	res2 := w.ProcessQueue(time.Now())
	assert.Equal(t, 1, res2.JobsProcessed)
}
