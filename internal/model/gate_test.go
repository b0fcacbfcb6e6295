// Package model 定义核心数据模型的测试
package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestGate_Blocks 验证门禁阻塞语义
func TestGate_Blocks(t *testing.T) {
	approved := true
	rejected := false

	tests := []struct {
		name string
		gate Gate
		want bool
	}{
		{
			name: "required undecided blocks",
			gate: Gate{Required: true},
			want: true,
		},
		{
			name: "optional undecided never blocks",
			gate: Gate{Required: false},
			want: false,
		},
		{
			name: "required approved does not block",
			gate: Gate{Required: true, Approved: &approved},
			want: false,
		},
		{
			name: "required rejected does not block",
			gate: Gate{Required: true, Approved: &rejected},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.gate.Blocks())
		})
	}
}

// TestGate_IsDecided 验证决定三态
func TestGate_IsDecided(t *testing.T) {
	approved := true
	rejected := false

	var g Gate
	assert.False(t, g.IsDecided())
	assert.False(t, g.IsRejected())

	g.Approved = &approved
	assert.True(t, g.IsDecided())
	assert.False(t, g.IsRejected())

	g.Approved = &rejected
	assert.True(t, g.IsDecided())
	assert.True(t, g.IsRejected())
}

// TestGate_TimedOut 验证超时自动批准的计时判定
func TestGate_TimedOut(t *testing.T) {
	now := time.Now()
	pausedAt := now.Add(-10 * time.Minute)

	// 超时 5 分钟，已暂停 10 分钟
	g := Gate{TimeoutSec: 300, PausedAt: &pausedAt}
	assert.True(t, g.TimedOut(now))

	// 超时 15 分钟，尚未到期
	g.TimeoutSec = 900
	assert.False(t, g.TimedOut(now))

	// 0 表示永不超时
	g.TimeoutSec = 0
	assert.False(t, g.TimedOut(now))

	// 未记录暂停时间则不计时
	g = Gate{TimeoutSec: 60}
	assert.False(t, g.TimedOut(now))
}
