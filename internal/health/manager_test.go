package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeChecker struct {
	name     string
	critical bool
	result   CheckResult
}

func (f *fakeChecker) Name() string           { return f.name }
func (f *fakeChecker) IsCritical() bool       { return f.critical }
func (f *fakeChecker) Timeout() time.Duration { return time.Second }
func (f *fakeChecker) Check(ctx context.Context) CheckResult { return f.result }

func TestManager_RegisterCheckerRejectsEmptyAndDuplicateNames(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))

	err := m.RegisterChecker(&fakeChecker{name: ""})
	require.Error(t, err)

	require.NoError(t, m.RegisterChecker(&fakeChecker{name: "redis"}))
	err = m.RegisterChecker(&fakeChecker{name: "redis"})
	require.Error(t, err)
}

func TestManager_GetOverallHealth_AllHealthy(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(&fakeChecker{name: "redis", critical: true, result: CheckResult{Status: StatusHealthy}}))
	require.NoError(t, m.RegisterChecker(&fakeChecker{name: "registry", result: CheckResult{Status: StatusHealthy}}))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusHealthy, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, overall.Live)
}

func TestManager_GetOverallHealth_CriticalFailureBlocksReadiness(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(&fakeChecker{name: "redis", critical: true, result: CheckResult{Status: StatusUnhealthy}}))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, overall.Status)
	assert.False(t, overall.Ready)
	assert.True(t, overall.Live)
}

func TestManager_GetOverallHealth_NonCriticalFailureOnlyDegrades(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	require.NoError(t, m.RegisterChecker(&fakeChecker{name: "redis", critical: true, result: CheckResult{Status: StatusHealthy}}))
	require.NoError(t, m.RegisterChecker(&fakeChecker{name: "registry", critical: false, result: CheckResult{Status: StatusUnhealthy}}))

	overall := m.GetOverallHealth(context.Background())
	assert.Equal(t, StatusDegraded, overall.Status)
	assert.True(t, overall.Ready)
	assert.True(t, overall.Live)
}

func TestManager_GetDetailedHealth_NoCheckersIsUnknown(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	detailed := m.GetDetailedHealth(context.Background())
	assert.Equal(t, StatusUnknown, detailed.Overall.Status)
	assert.Empty(t, detailed.Components)
}

func TestManager_StartStopIsIdempotent(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
}

func TestCustomHealthChecker_WrapsArbitraryCheckFn(t *testing.T) {
	checker := NewCustomHealthChecker("registry", false, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusHealthy, Message: "ok"}
	})

	assert.Equal(t, "registry", checker.Name())
	assert.False(t, checker.IsCritical())
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
}

func TestCustomHealthChecker_PropagatesFailure(t *testing.T) {
	checker := NewCustomHealthChecker("registry", true, time.Second, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusUnhealthy, Error: errors.New("attach rejected").Error()}
	})

	result := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}
