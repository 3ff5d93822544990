package prefetch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/budgierless/spark-advisory-engine/internal/prefetchplan"
)

func TestPlan_LimitsToMaxToolsAndMinProbability(t *testing.T) {
	table := prefetchplan.Load()
	job := sampleJob()

	plans := plan(table, job, 2, 0.5)

	require.Len(t, plans, 1)
	assert.Equal(t, "Bash", plans[0].ToolName)
	assert.Equal(t, job.ProjectKey, plans[0].ProjectKey)
	assert.Equal(t, job.IntentFamily, plans[0].IntentFamily)
}

func TestPlan_UnknownFamilyUsesDefaultTable(t *testing.T) {
	table := prefetchplan.Load()
	job := sampleJob()
	job.IntentFamily = "nonexistent_family"

	plans := plan(table, job, 5, 0.0)

	require.NotEmpty(t, plans)
	assert.Equal(t, job.IntentFamily, plans[0].IntentFamily)
}

func TestPlan_ProducesDeterministicSessionContextKeyMatchingLookup(t *testing.T) {
	table := prefetchplan.Load()
	job := sampleJob()

	plans1 := plan(table, job, 3, 0.0)
	plans2 := plan(table, job, 3, 0.0)

	require.Equal(t, plans1, plans2)
	assert.NotEmpty(t, plans1[0].SessionContextKey)
}
