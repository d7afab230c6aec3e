package recorder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testSalt      = "lM1GncleQOaCu9lT1yeUZhFYnqhsLLP1G5lAGo3ixaI="
	testChallenge = "+IxH4CnCiqpX1rM9scsNynZzbOe4KhDeYcTNS3PDaeY="
)

type fakeOBS struct {
	password   string
	outputPath string

	mut       sync.Mutex
	recording bool
	requests  []string
}

func (f *fakeOBS) send(ws *websocket.Conn, op int, d any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return ws.WriteJSON(obsMessage{Op: op, D: data})
}

func (f *fakeOBS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	hello := map[string]any{
		"obsWebSocketVersion": "5.1.0",
		"rpcVersion":          1,
	}
	if f.password != "" {
		hello["authentication"] = map[string]string{
			"challenge": testChallenge,
			"salt":      testSalt,
		}
	}
	if err := f.send(ws, opHello, hello); err != nil {
		return
	}

	var msg obsMessage
	if err := ws.ReadJSON(&msg); err != nil || msg.Op != opIdentify {
		return
	}
	var identify obsIdentify
	if err := json.Unmarshal(msg.D, &identify); err != nil {
		return
	}
	if f.password != "" && identify.Authentication != obsAuth(f.password, testSalt, testChallenge) {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4009, "Authentication failed."))
		return
	}
	if err := f.send(ws, opIdentified, map[string]int{"negotiatedRpcVersion": 1}); err != nil {
		return
	}

	for {
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Op != opRequest {
			continue
		}
		var req obsRequest
		if err := json.Unmarshal(msg.D, &req); err != nil {
			return
		}

		// An unrelated event sent before every response.
		if err := f.send(ws, 5, map[string]any{"eventType": "CurrentSceneChanged"}); err != nil {
			return
		}

		resp := map[string]any{
			"requestType": req.RequestType,
			"requestId":   req.RequestID,
		}
		status := map[string]any{"result": true, "code": 100}

		f.mut.Lock()
		f.requests = append(f.requests, req.RequestType)
		switch req.RequestType {
		case "GetRecordStatus":
			resp["responseData"] = map[string]any{"outputActive": f.recording}
		case "StartRecord":
			if f.recording {
				status = map[string]any{"result": false, "code": 500, "comment": "already active"}
			}
			f.recording = true
		case "StopRecord":
			if !f.recording {
				status = map[string]any{"result": false, "code": 501, "comment": "not active"}
			}
			f.recording = false
			resp["responseData"] = map[string]any{"outputPath": f.outputPath}
		default:
			status = map[string]any{"result": false, "code": 204, "comment": "unknown request type"}
		}
		f.mut.Unlock()

		resp["requestStatus"] = status
		if err := f.send(ws, opRequestResponse, resp); err != nil {
			return
		}
	}
}

func (f *fakeOBS) Requests() []string {
	f.mut.Lock()
	defer f.mut.Unlock()
	return append([]string(nil), f.requests...)
}

func newFakeOBS(t *testing.T, password string) (*fakeOBS, string) {
	t.Helper()
	f := &fakeOBS{
		password:   password,
		outputPath: "/recordings/2024-05-01 10-00-00.mkv",
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestOBSAuth(t *testing.T) {
	require.Equal(t, "1Ct943GAT+6YQUUX47Ia/ncufilbe6+oD6lY+5kaCu4=", obsAuth("supersecretpassword", testSalt, testChallenge))
}

func TestOBSClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("record cycle", func(t *testing.T) {
		obs, url := newFakeOBS(t, "secret")
		c := NewOBSClient(url, "secret")

		active, err := c.RecordStatus(ctx)
		require.NoError(t, err)
		require.False(t, active)

		require.NoError(t, c.StartRecord(ctx))
		active, err = c.RecordStatus(ctx)
		require.NoError(t, err)
		require.True(t, active)

		// Starting twice is a no-op.
		require.NoError(t, c.StartRecord(ctx))

		path, err := c.StopRecord(ctx)
		require.NoError(t, err)
		require.Equal(t, "/recordings/2024-05-01 10-00-00.mkv", path)

		// Stopping when not recording returns no path.
		path, err = c.StopRecord(ctx)
		require.NoError(t, err)
		require.Empty(t, path)

		require.Equal(t, []string{
			"GetRecordStatus",
			"GetRecordStatus", "StartRecord",
			"GetRecordStatus",
			"GetRecordStatus",
			"GetRecordStatus", "StopRecord",
			"GetRecordStatus",
		}, obs.Requests())
	})

	t.Run("no auth", func(t *testing.T) {
		_, url := newFakeOBS(t, "")
		c := NewOBSClient(url, "")
		active, err := c.RecordStatus(ctx)
		require.NoError(t, err)
		require.False(t, active)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, url := newFakeOBS(t, "secret")
		c := NewOBSClient(url, "wrong")
		_, err := c.RecordStatus(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), "connection closed by OBS (code 4009)")
	})

	t.Run("unreachable", func(t *testing.T) {
		c := NewOBSClient("ws://127.0.0.1:1", "")
		err := c.StartRecord(ctx)
		require.Error(t, err)
		require.True(t, strings.HasPrefix(err.Error(), "failed to connect to OBS"))
	})

	t.Run("request failure", func(t *testing.T) {
		_, url := newFakeOBS(t, "")
		c := NewOBSClient(url, "")
		err := c.do(ctx, func(conn *obsConn) error {
			return conn.request("GetStreamStatus", nil, nil)
		})
		require.EqualError(t, err, "GetStreamStatus request failed (code 204): unknown request type")
	})
}
