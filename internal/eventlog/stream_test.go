package eventlog

import (
	"testing"
	"time"

	"studio-orchestrator/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStream 创建心跳间隔很长的分发器，避免心跳干扰断言
func newTestStream(t *testing.T) *StreamManager {
	t.Helper()
	m := NewStreamManager(time.Hour, nil)
	t.Cleanup(m.Close)
	return m
}

func TestSubscribePublish(t *testing.T) {
	m := newTestStream(t)

	ch1, cancel1 := m.Subscribe("job-1")
	defer cancel1()
	ch2, cancel2 := m.Subscribe("job-1")
	defer cancel2()
	chOther, cancelOther := m.Subscribe("job-2")
	defer cancelOther()

	assert.Equal(t, 2, m.SubscriberCount("job-1"))
	assert.Equal(t, 1, m.SubscriberCount("job-2"))

	ev := model.Event{JobID: "job-1", Type: model.EventTypeStageStarted, Stage: model.StageOutline}
	m.Publish(ev)

	got1 := <-ch1
	got2 := <-ch2
	assert.Equal(t, model.EventTypeStageStarted, got1.Type)
	assert.Equal(t, model.EventTypeStageStarted, got2.Type)

	// 其他作业的订阅者不收到
	select {
	case <-chOther:
		t.Fatal("subscriber of another job received the event")
	default:
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	m := newTestStream(t)

	ch, cancel := m.Subscribe("job-slow")
	defer cancel()

	// 填满缓冲后再发一条，订阅者应被丢弃并退订
	for i := 0; i < subscriberBuffer+1; i++ {
		m.Publish(model.Event{JobID: "job-slow", Type: model.EventTypeStageStarted})
	}

	assert.Equal(t, 0, m.SubscriberCount("job-slow"))

	// 缓冲内的事件仍可读出，然后通道被关闭
	count := 0
	for range ch {
		count++
	}
	assert.Equal(t, subscriberBuffer, count)
}

func TestCancelIdempotent(t *testing.T) {
	m := newTestStream(t)

	ch, cancel := m.Subscribe("job-c")
	require.Equal(t, 1, m.SubscriberCount("job-c"))

	cancel()
	cancel()

	assert.Equal(t, 0, m.SubscriberCount("job-c"))
	_, open := <-ch
	assert.False(t, open)
}

func TestHeartbeatBroadcast(t *testing.T) {
	m := NewStreamManager(10*time.Millisecond, nil)
	defer m.Close()

	ch, cancel := m.Subscribe("job-h")
	defer cancel()

	select {
	case ev := <-ch:
		assert.Equal(t, model.EventTypeHeartbeat, ev.Type)
		assert.Equal(t, "job-h", ev.JobID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	m := NewStreamManager(time.Hour, nil)

	ch, _ := m.Subscribe("job-x")
	m.Close()

	_, open := <-ch
	assert.False(t, open)

	// 关闭后订阅立即得到已关闭的通道
	ch2, cancel2 := m.Subscribe("job-x")
	cancel2()
	_, open = <-ch2
	assert.False(t, open)

	// 重复关闭无害
	m.Close()
}
