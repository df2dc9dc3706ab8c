package api

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"DreamerV-server/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProgressConn struct {
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (f *fakeProgressConn) WriteJSON(v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if frame, ok := v.(map[string]interface{}); ok {
		f.frames = append(f.frames, frame)
	}
	return nil
}

func (f *fakeProgressConn) snapshot() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, len(f.frames))
	copy(out, f.frames)
	return out
}

func TestStreamTaskStatus_ReturnsOnDisconnect(t *testing.T) {
	setupTestEnv(t)
	task := &models.VideoTask{ID: "ws-stale", Prompt: "p", Status: models.TaskStatusProcessing}
	require.NoError(t, models.CreateVideoTask(models.GormDB, task))

	conn := &fakeProgressConn{}
	disconnected := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		streamTaskStatus(conn, task, disconnected)
		close(returned)
	}()

	// 任务停在非终态，断开信号必须能让推送循环退出
	close(disconnected)
	select {
	case <-returned:
	case <-time.After(3 * time.Second):
		t.Fatal("push loop kept polling after client disconnect")
	}
	assert.Empty(t, conn.snapshot())
}

func TestStreamTaskStatus_PushesTerminalStateAndReturns(t *testing.T) {
	setupTestEnv(t)
	task := &models.VideoTask{ID: "ws-done", Prompt: "p", Status: models.TaskStatusProcessing}
	require.NoError(t, models.CreateVideoTask(models.GormDB, task))

	conn := &fakeProgressConn{}
	disconnected := make(chan struct{})
	returned := make(chan struct{})
	go func() {
		streamTaskStatus(conn, task, disconnected)
		close(returned)
	}()

	require.NoError(t, task.UpdateFields(models.GormDB, map[string]interface{}{
		"status": models.TaskStatusCompleted,
	}))

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("push loop did not stop on terminal state")
	}

	frames := conn.snapshot()
	require.NotEmpty(t, frames)
	assert.Equal(t, models.TaskStatusCompleted, frames[len(frames)-1]["status"])
}

func TestTaskProgressWebSocket_EndToEnd(t *testing.T) {
	r := setupTestEnv(t)
	require.NoError(t, models.CreateVideoTask(models.GormDB, &models.VideoTask{
		ID: "ws-e2e", Prompt: "p", Status: models.TaskStatusCompleted,
	}))

	server := httptest.NewServer(r)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/tasks/ws-e2e/wss"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// 连上先收一帧当前状态，终态任务随后补推一帧并关连接
	var first map[string]interface{}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "ws-e2e", first["task_id"])

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var final map[string]interface{}
	require.NoError(t, conn.ReadJSON(&final))
	assert.Equal(t, models.TaskStatusCompleted, final["status"])

	var extra map[string]interface{}
	assert.Error(t, conn.ReadJSON(&extra))
}
