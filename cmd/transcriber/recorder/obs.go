package recorder

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattermost/mattermost/server/public/model"
)

// obs-websocket v5 opcodes.
const (
	opHello           = 0
	opIdentify        = 1
	opIdentified      = 2
	opRequest         = 6
	opRequestResponse = 7
)

const (
	obsRPCVersion = 1
	obsTimeout    = 10 * time.Second
)

type obsMessage struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type obsHello struct {
	RPCVersion     int `json:"rpcVersion"`
	Authentication *struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication,omitempty"`
}

type obsIdentify struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type obsRequest struct {
	RequestType string `json:"requestType"`
	RequestID   string `json:"requestId"`
	RequestData any    `json:"requestData,omitempty"`
}

type obsRequestResponse struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData"`
}

func obsAuth(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

// OBSClient controls recording through obs-websocket (protocol v5). A new
// connection is opened for every operation.
type OBSClient struct {
	url      string
	password string
	dialer   websocket.Dialer
}

func NewOBSClient(url, password string) *OBSClient {
	return &OBSClient{
		url:      url,
		password: password,
		dialer:   websocket.Dialer{HandshakeTimeout: obsTimeout},
	}
}

type obsConn struct {
	ws *websocket.Conn
}

func (c *obsConn) read(v *obsMessage) error {
	if err := c.ws.ReadJSON(v); err != nil {
		if ce, ok := err.(*websocket.CloseError); ok {
			return fmt.Errorf("connection closed by OBS (code %d): %s", ce.Code, ce.Text)
		}
		return fmt.Errorf("failed to read message: %w", err)
	}
	return nil
}

func (c *obsConn) write(op int, d any) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}
	return c.ws.WriteJSON(obsMessage{Op: op, D: data})
}

func (c *OBSClient) connect(ctx context.Context) (*obsConn, error) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to OBS: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(obsTimeout)
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}
	if err := ws.SetWriteDeadline(deadline); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	conn := &obsConn{ws: ws}
	if err := c.identify(conn); err != nil {
		ws.Close()
		return nil, err
	}

	return conn, nil
}

func (c *OBSClient) identify(conn *obsConn) error {
	var msg obsMessage
	if err := conn.read(&msg); err != nil {
		return err
	}
	if msg.Op != opHello {
		return fmt.Errorf("unexpected op %d, expected hello", msg.Op)
	}

	var hello obsHello
	if err := json.Unmarshal(msg.D, &hello); err != nil {
		return fmt.Errorf("failed to unmarshal hello: %w", err)
	}

	identify := obsIdentify{
		RPCVersion: obsRPCVersion,
	}
	if hello.Authentication != nil {
		identify.Authentication = obsAuth(c.password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}
	if err := conn.write(opIdentify, identify); err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}

	if err := conn.read(&msg); err != nil {
		return fmt.Errorf("failed to identify: %w", err)
	}
	if msg.Op != opIdentified {
		return fmt.Errorf("unexpected op %d, expected identified", msg.Op)
	}

	return nil
}

func (c *obsConn) request(reqType string, data any, res any) error {
	req := obsRequest{
		RequestType: reqType,
		RequestID:   model.NewId(),
		RequestData: data,
	}
	if err := c.write(opRequest, req); err != nil {
		return fmt.Errorf("failed to send %s request: %w", reqType, err)
	}

	for {
		var msg obsMessage
		if err := c.read(&msg); err != nil {
			return err
		}
		if msg.Op != opRequestResponse {
			continue
		}

		var resp obsRequestResponse
		if err := json.Unmarshal(msg.D, &resp); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
		if resp.RequestID != req.RequestID {
			continue
		}

		if !resp.RequestStatus.Result {
			return fmt.Errorf("%s request failed (code %d): %s", reqType, resp.RequestStatus.Code, resp.RequestStatus.Comment)
		}

		if res != nil && len(resp.ResponseData) > 0 {
			if err := json.Unmarshal(resp.ResponseData, res); err != nil {
				return fmt.Errorf("failed to unmarshal %s response: %w", reqType, err)
			}
		}

		return nil
	}
}

func (c *OBSClient) do(ctx context.Context, fn func(conn *obsConn) error) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = conn.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.ws.Close()
	}()
	return fn(conn)
}

func recordStatus(conn *obsConn) (bool, error) {
	var res struct {
		OutputActive bool `json:"outputActive"`
	}
	if err := conn.request("GetRecordStatus", nil, &res); err != nil {
		return false, err
	}
	return res.OutputActive, nil
}

func (c *OBSClient) RecordStatus(ctx context.Context) (bool, error) {
	var active bool
	err := c.do(ctx, func(conn *obsConn) error {
		var err error
		active, err = recordStatus(conn)
		return err
	})
	return active, err
}

func (c *OBSClient) StartRecord(ctx context.Context) error {
	return c.do(ctx, func(conn *obsConn) error {
		active, err := recordStatus(conn)
		if err != nil {
			return err
		}
		if active {
			slog.Info("OBS is already recording")
			return nil
		}
		return conn.request("StartRecord", nil, nil)
	})
}

// StopRecord stops the recording and returns the path of the output file.
// The path is empty if OBS was not recording.
func (c *OBSClient) StopRecord(ctx context.Context) (string, error) {
	var outputPath string
	err := c.do(ctx, func(conn *obsConn) error {
		active, err := recordStatus(conn)
		if err != nil {
			return err
		}
		if !active {
			slog.Warn("OBS is not recording")
			return nil
		}

		var res struct {
			OutputPath string `json:"outputPath"`
		}
		if err := conn.request("StopRecord", nil, &res); err != nil {
			return err
		}
		outputPath = res.OutputPath
		return nil
	})
	return outputPath, err
}
