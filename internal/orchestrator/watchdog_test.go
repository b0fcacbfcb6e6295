package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-orchestrator/internal/model"
)

func TestWatchdogAutoApprovesTimedOutGate(t *testing.T) {
	env := newTestEnv(t, []model.GatePolicy{
		{Stage: model.StageScript, Required: true, TimeoutSec: 1},
	}, &SimExecutor{})
	job := env.startJob(t)
	ctx := context.Background()

	env.waitForStatus(t, job.ID, model.JobStatusNeedsApproval)
	env.waitForEvent(t, job.ID, model.EventTypeGatePause)

	w := NewWatchdog(env.store, env.orch, time.Hour, nil)

	// 超时前的巡检不动作
	assert.Equal(t, 0, w.Sweep(ctx))

	// 超时后巡检触发自动批准（轮询等待计时走满）
	require.Eventually(t, func() bool {
		return w.Sweep(ctx) == 1
	}, 10*time.Second, 100*time.Millisecond)

	env.waitForStatus(t, job.ID, model.JobStatusCompleted)
	env.waitForEvent(t, job.ID, model.EventTypeGateAutoApproved)

	gate, err := env.store.GetGate(ctx, job.ID, model.StageScript)
	require.NoError(t, err)
	require.NotNil(t, gate.Approved)
	assert.True(t, *gate.Approved)
	assert.True(t, gate.AutoApproved)
	assert.Equal(t, "watchdog", gate.By)
}

func TestWatchdogIgnoresGateWithoutTimeout(t *testing.T) {
	env := newTestEnv(t, []model.GatePolicy{
		{Stage: model.StageScript, Required: true}, // TimeoutSec 0：永不自动批准
	}, &SimExecutor{})
	job := env.startJob(t)
	ctx := context.Background()

	env.waitForStatus(t, job.ID, model.JobStatusNeedsApproval)

	w := NewWatchdog(env.store, env.orch, time.Hour, nil)
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, 0, w.Sweep(ctx))

	got, _ := env.store.GetJob(ctx, job.ID)
	assert.Equal(t, model.JobStatusNeedsApproval, got.Status)
}

func TestWatchdogSkipsAlreadyDecidedGate(t *testing.T) {
	env := newTestEnv(t, []model.GatePolicy{
		{Stage: model.StageScript, Required: true, TimeoutSec: 1},
	}, &SimExecutor{})
	job := env.startJob(t)
	ctx := context.Background()

	env.waitForStatus(t, job.ID, model.JobStatusNeedsApproval)

	// 模拟操作员抢先写入决定但作业尚未推进的窗口：
	// 巡检看到 needs_approval 的作业，但门禁已决，必须跳过
	require.NoError(t, env.store.DecideGate(ctx, job.ID, model.StageScript, true, "operator", "", nil, false))

	w := NewWatchdog(env.store, env.orch, time.Hour, nil)
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, 0, w.Sweep(ctx))

	gate, _ := env.store.GetGate(ctx, job.ID, model.StageScript)
	assert.Equal(t, "operator", gate.By)
	assert.False(t, gate.AutoApproved)
}
