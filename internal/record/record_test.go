package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(t *testing.T) *OperationRecord {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := New("op-1", "p1", now)
	rec.PushFrame(CallFrame{
		ParticipantID: "p1", CallID: "call-1", PID: 100,
		StartTime: now, LastHeartbeat: now, State: FrameActive, FailOnCrash: true,
	})
	return rec
}

func TestRecordJSONRoundTrip(t *testing.T) {
	rec := testRecord(t)
	rec.PushFrame(CallFrame{
		ParticipantID: "p2", CallID: "call-2", PID: 200,
		StartTime: rec.StartTime, LastHeartbeat: rec.StartTime,
		State: FrameActive, Description: "child", Resources: []string{"/tmp/x"},
	})
	rec.TempResources = append(rec.TempResources, TempResource{
		Path: "/tmp/y", Owner: 200, RegisteredAt: rec.StartTime,
	})
	det := rec.StartTime.Add(time.Minute)
	rec.DetectionTimestamp = &det

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded OperationRecord
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, rec, &decoded)
}

func TestRecordFieldNames(t *testing.T) {
	data, err := json.Marshal(testRecord(t))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{
		"operationId", "initiatorId", "startTime", "aborted", "lastHeartbeat",
		"operationState", "detectionTimestamp", "removalTimestamp", "callFrames", "tempResources",
	} {
		assert.Contains(t, raw, key)
	}
	frame := raw["callFrames"].([]any)[0].(map[string]any)
	for _, key := range []string{"participantId", "callId", "pid", "startTime", "lastHeartbeat", "state", "failOnCrash"} {
		assert.Contains(t, frame, key)
	}
}

func TestTransitions(t *testing.T) {
	now := time.Now().UTC()

	t.Run("active to cleanup stamps detection", func(t *testing.T) {
		rec := testRecord(t)
		require.NoError(t, rec.Transition(StateCleanup, now))
		require.NotNil(t, rec.DetectionTimestamp)
		assert.Equal(t, now, *rec.DetectionTimestamp)
	})

	t.Run("cleanup to failed stamps removal", func(t *testing.T) {
		rec := testRecord(t)
		require.NoError(t, rec.Transition(StateCleanup, now))
		require.NoError(t, rec.Transition(StateFailed, now))
		require.NotNil(t, rec.RemovalTimestamp)
		assert.True(t, rec.OperationState.Terminal())
	})

	t.Run("active to complete", func(t *testing.T) {
		rec := testRecord(t)
		require.NoError(t, rec.Transition(StateComplete, now))
		assert.True(t, rec.OperationState.Terminal())
	})

	t.Run("terminal states reject transitions", func(t *testing.T) {
		rec := testRecord(t)
		require.NoError(t, rec.Transition(StateComplete, now))
		assert.Error(t, rec.Transition(StateCleanup, now))
		assert.Error(t, rec.Transition(StateFailed, now))
	})

	t.Run("no skipping cleanup", func(t *testing.T) {
		rec := testRecord(t)
		assert.Error(t, rec.Transition(StateFailed, now))
	})

	t.Run("same state is a no-op", func(t *testing.T) {
		rec := testRecord(t)
		require.NoError(t, rec.Transition(StateActive, now))
		assert.Nil(t, rec.DetectionTimestamp)
	})
}

func TestSupervisorOf(t *testing.T) {
	now := time.Now().UTC()
	rec := New("op-1", "p1", now)
	push := func(callID string, pid int) {
		rec.PushFrame(CallFrame{ParticipantID: "p", CallID: callID, PID: pid,
			StartTime: now, LastHeartbeat: now, State: FrameActive})
	}
	push("root", 100)  // index 0
	push("mid", 100)   // index 1, same pid as root
	push("child", 200) // index 2
	push("grand", 300) // index 3

	assert.Nil(t, rec.SupervisorOf(0))
	assert.Nil(t, rec.SupervisorOf(1), "same-pid frames do not supervise each other")

	sup := rec.SupervisorOf(2)
	require.NotNil(t, sup)
	assert.Equal(t, "mid", sup.CallID, "nearest different-pid frame wins")

	sup = rec.SupervisorOf(3)
	require.NotNil(t, sup)
	assert.Equal(t, "child", sup.CallID)
}

func TestFrameStackOps(t *testing.T) {
	rec := testRecord(t)
	now := rec.StartTime
	rec.PushFrame(CallFrame{ParticipantID: "p2", CallID: "call-2", PID: 200,
		StartTime: now, LastHeartbeat: now, State: FrameActive})
	rec.PushFrame(CallFrame{ParticipantID: "p1", CallID: "call-3", PID: 100,
		StartTime: now, LastHeartbeat: now, State: FrameActive})

	f, idx := rec.Frame("call-2")
	require.NotNil(t, f)
	assert.Equal(t, 1, idx)

	assert.Equal(t, []int{0, 2}, rec.FramesOwnedBy(100))

	require.True(t, rec.RemoveFrame("call-2"))
	assert.False(t, rec.RemoveFrame("call-2"), "double removal is a no-op")
	f, _ = rec.Frame("call-3")
	require.NotNil(t, f, "removal preserves the remaining stack")
	assert.Len(t, rec.CallFrames, 2)
}

func TestMaxHeartbeat(t *testing.T) {
	rec := testRecord(t)
	later := rec.StartTime.Add(10 * time.Second)
	rec.PushFrame(CallFrame{ParticipantID: "p2", CallID: "call-2", PID: 200,
		StartTime: rec.StartTime, LastHeartbeat: later, State: FrameActive})
	assert.Equal(t, later, rec.MaxHeartbeat())
}

func TestStale(t *testing.T) {
	now := time.Now().UTC()
	f := CallFrame{LastHeartbeat: now.Add(-20 * time.Second)}
	assert.True(t, f.Stale(now, 15*time.Second))
	assert.False(t, f.Stale(now, 30*time.Second))
}

func TestValidate(t *testing.T) {
	rec := testRecord(t)
	require.NoError(t, rec.Validate())

	t.Run("missing operation id", func(t *testing.T) {
		r := testRecord(t)
		r.OperationID = ""
		assert.Error(t, r.Validate())
	})
	t.Run("bad state", func(t *testing.T) {
		r := testRecord(t)
		r.OperationState = "bogus"
		assert.Error(t, r.Validate())
	})
	t.Run("duplicate call id", func(t *testing.T) {
		r := testRecord(t)
		r.PushFrame(r.CallFrames[0])
		assert.Error(t, r.Validate())
	})
	t.Run("bad frame state", func(t *testing.T) {
		r := testRecord(t)
		r.CallFrames[0].State = "gone"
		assert.Error(t, r.Validate())
	})
}

func TestCloneIsDeep(t *testing.T) {
	rec := testRecord(t)
	rec.CallFrames[0].Resources = []string{"/tmp/a"}
	rec.TempResources = []TempResource{{Path: "/tmp/b", Owner: 100, RegisteredAt: rec.StartTime}}

	c := rec.Clone()
	c.CallFrames[0].Resources[0] = "/tmp/changed"
	c.CallFrames[0].State = FrameCrashed
	c.TempResources[0].Path = "/tmp/changed"

	assert.Equal(t, "/tmp/a", rec.CallFrames[0].Resources[0])
	assert.Equal(t, FrameActive, rec.CallFrames[0].State)
	assert.Equal(t, "/tmp/b", rec.TempResources[0].Path)
}

func TestTempResourceOps(t *testing.T) {
	rec := testRecord(t)
	now := rec.StartTime
	rec.TempResources = []TempResource{
		{Path: "/tmp/a", Owner: 100, RegisteredAt: now},
		{Path: "/tmp/b", Owner: 200, RegisteredAt: now},
	}

	assert.Len(t, rec.TempResourcesOwnedBy(100), 1)

	removed := rec.RemoveTempResource("/tmp/a")
	require.NotNil(t, removed)
	assert.Equal(t, 100, removed.Owner)
	assert.Nil(t, rec.RemoveTempResource("/tmp/a"))
	assert.Len(t, rec.TempResources, 1)
}
