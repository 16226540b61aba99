package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/apexjudge/judgerunner/internal/verdict"
)

func TestObserveRunIncrementsCounters(t *testing.T) {
	m := Get()

	runsBefore := testutil.ToFloat64(m.RunsTotal.WithLabelValues("cpp", "Accepted"))
	m.ObserveRun("cpp", verdict.Accepted, 0.25, 4096)
	assert.Equal(t, runsBefore+1, testutil.ToFloat64(m.RunsTotal.WithLabelValues("cpp", "Accepted")))

	compileErrorsBefore := testutil.ToFloat64(m.CompileErrors.WithLabelValues("cpp"))
	m.ObserveRun("cpp", verdict.CompilationError, 0, 0)
	assert.Equal(t, compileErrorsBefore+1, testutil.ToFloat64(m.CompileErrors.WithLabelValues("cpp")))
}

func TestGetIsSingleton(t *testing.T) {
	assert.Same(t, Get(), Get())
}
