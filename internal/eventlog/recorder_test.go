package eventlog

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"studio-orchestrator/internal/model"
	"studio-orchestrator/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturePublisher 记录所有发布调用的 Publisher 假实现
type capturePublisher struct {
	published []*model.Event
	deleted   []string
}

func (p *capturePublisher) PublishJobEvent(ctx context.Context, event *model.Event) error {
	p.published = append(p.published, event)
	return nil
}

func (p *capturePublisher) DeleteJobEvents(ctx context.Context, jobID string) error {
	p.deleted = append(p.deleted, jobID)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func newTestRecorder(t *testing.T) (*Recorder, *storage.RepositoryStore, *StreamManager, *capturePublisher) {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	streams := newTestStream(t)
	bus := &capturePublisher{}
	rec := NewRecorder(t.TempDir(), store, streams, bus, nil)
	t.Cleanup(func() { rec.Close() })
	return rec, store, streams, bus
}

// seedJob 插入事件外键依赖的作业行
func seedJob(t *testing.T, store *storage.RepositoryStore, id string) {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.CreateJob(context.Background(), &model.Job{
		ID: id, Slug: "demo", Intent: "test",
		Status: model.JobStatusQueued, Stage: model.StageOutline,
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestRecordWritesLogThenStore(t *testing.T) {
	rec, store, _, bus := newTestRecorder(t)
	ctx := context.Background()
	seedJob(t, store, "job-r1")

	ev := &model.Event{
		JobID:  "job-r1",
		Type:   model.EventTypeJobCreated,
		Status: model.JobStatusQueued,
	}
	require.NoError(t, rec.Record(ctx, ev))

	// 时间戳补齐为 UTC，数据库 ID 回填
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.NotZero(t, ev.ID)

	// NDJSON 文件恰好一行
	data, err := os.ReadFile(rec.LogPath("job-r1"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 1)
	var decoded model.Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &decoded))
	assert.Equal(t, model.EventTypeJobCreated, decoded.Type)

	// 数据库同样一条
	events, err := store.ListEvents(ctx, "job-r1", 10, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTypeJobCreated, events[0].Type)

	// 外部镜像收到
	require.Len(t, bus.published, 1)
}

func TestRecordFanoutToSubscribers(t *testing.T) {
	rec, store, streams, _ := newTestRecorder(t)
	ctx := context.Background()
	seedJob(t, store, "job-r2")

	ch, cancel := streams.Subscribe("job-r2")
	defer cancel()

	require.NoError(t, rec.Record(ctx, &model.Event{
		JobID: "job-r2", Type: model.EventTypeStageStarted,
		Stage: model.StageOutline, Status: model.JobStatusRunning,
	}))

	select {
	case got := <-ch:
		assert.Equal(t, model.EventTypeStageStarted, got.Type)
		assert.Equal(t, model.StageOutline, got.Stage)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}
}

func TestRecordStoreFailureFailsOperation(t *testing.T) {
	rec, _, _, _ := newTestRecorder(t)

	// 作业不存在，外键约束令数据库写入失败
	err := rec.Record(context.Background(), &model.Event{
		JobID: "nonexistent", Type: model.EventTypeJobCreated,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist event")
}

func TestReadLogRoundTrip(t *testing.T) {
	rec, store, _, _ := newTestRecorder(t)
	ctx := context.Background()
	seedJob(t, store, "job-r3")

	types := []model.EventType{
		model.EventTypeJobCreated,
		model.EventTypeStageStarted,
		model.EventTypeStageCompleted,
	}
	for _, typ := range types {
		require.NoError(t, rec.Record(ctx, &model.Event{
			JobID: "job-r3", Type: typ, Stage: model.StageOutline,
		}))
	}

	events, err := rec.ReadLog("job-r3")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, typ := range types {
		assert.Equal(t, typ, events[i].Type)
	}

	// 不存在的作业视为空日志
	events, err = rec.ReadLog("never-seen")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReplayFromLog(t *testing.T) {
	rec, store, _, _ := newTestRecorder(t)
	ctx := context.Background()
	seedJob(t, store, "job-r4")

	script := model.StageScript
	seq := []*model.Event{
		{JobID: "job-r4", Type: model.EventTypeJobCreated, Status: model.JobStatusQueued, Stage: model.StageOutline},
		{JobID: "job-r4", Type: model.EventTypeStageStarted, Status: model.JobStatusRunning, Stage: model.StageOutline},
		{JobID: "job-r4", Type: model.EventTypeStageCompleted, Status: model.JobStatusRunning, Stage: model.StageOutline},
		{JobID: "job-r4", Type: model.EventTypeGatePause, Status: model.JobStatusNeedsApproval, Stage: script},
		{JobID: "job-r4", Type: model.EventTypeGateApproved, Status: model.JobStatusRunning, Stage: script,
			Payload: json.RawMessage(`{"operator":"qa"}`)},
	}
	for _, ev := range seq {
		require.NoError(t, rec.Record(ctx, ev))
	}

	logged, err := rec.ReadLog("job-r4")
	require.NoError(t, err)

	state := model.Replay(logged)
	assert.Equal(t, model.JobStatusRunning, state.Status)
	assert.Equal(t, script, state.Stage)
	require.Contains(t, state.Gates, script)
	require.NotNil(t, state.Gates[script].Approved)
	assert.True(t, *state.Gates[script].Approved)
	assert.Equal(t, "qa", state.Gates[script].By)
}

func TestRemoveLog(t *testing.T) {
	rec, store, _, _ := newTestRecorder(t)
	ctx := context.Background()
	seedJob(t, store, "job-r5")

	require.NoError(t, rec.Record(ctx, &model.Event{
		JobID: "job-r5", Type: model.EventTypeJobCreated,
	}))
	require.FileExists(t, rec.LogPath("job-r5"))

	require.NoError(t, rec.RemoveLog("job-r5"))
	assert.NoFileExists(t, rec.LogPath("job-r5"))

	// 幂等
	require.NoError(t, rec.RemoveLog("job-r5"))

	// 删除后再次记录会重新建档
	require.NoError(t, rec.Record(ctx, &model.Event{
		JobID: "job-r5", Type: model.EventTypeJobResumed,
	}))
	events, err := rec.ReadLog("job-r5")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTypeJobResumed, events[0].Type)
}
