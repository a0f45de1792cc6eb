package dispatch

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flotillahq/flotilla/internal/namespace"
	"github.com/flotillahq/flotilla/internal/ratelimit"
	"github.com/flotillahq/flotilla/internal/registry"
)

// WSMessage is the JSON message format for worker WebSocket communication.
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WSResponse is a JSON frame sent to the worker.
type WSResponse struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Message types. The coordinator pushes new-file and work-cancelled; workers
// send everything else.
const (
	msgAuth          = "auth"
	msgAuthOK        = "auth-ok"
	msgNewFile       = "new-file"
	msgNewFileAck    = "new-file-ack"
	msgWorkCancelled = "work-cancelled"
	msgMarkFile      = "mark-file"
	msgStatusUpdate  = "status-update"
	msgRequestWork   = "request-work"
	msgClaimWork     = "claim-work"
	msgWork          = "work"
	msgClaimResult   = "claim-result"
	msgMarkFileAck   = "mark-file-ack"
	msgError         = "error"
)

type authPayload struct {
	ShardID string `json:"shardId"`
	Key     string `json:"key"`
}

type newFilePayload struct {
	RequestID string          `json:"requestId"`
	File      namespace.Entry `json:"file"`
}

type newFileAckPayload struct {
	RequestID string `json:"requestId"`
	Accept    bool   `json:"accept"`
}

type cancelPayload struct {
	FileID string `json:"fileId"`
}

type markFilePayload struct {
	FileID string `json:"fileId"`
	Status string `json:"status"`
}

type statusUpdatePayload struct {
	IsBusy    bool `json:"isBusy"`
	QueueSize int  `json:"queueSize"`
}

type requestWorkPayload struct {
	Max int `json:"max"`
}

type claimWorkPayload struct {
	FileID string `json:"fileId"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// authWindow is how long a fresh connection has to send its auth frame.
const authWindow = 10 * time.Second

// HandleWorker returns the HTTP handler for worker WebSocket connections.
// The first frame must be auth with file-processing shard credentials;
// anything else closes the connection.
func HandleWorker(d *Dispatcher, reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[dispatch] websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		shardID, err := authenticate(conn, reg)
		if err != nil {
			writeError(conn, nil, "authentication failed")
			return
		}

		// gorilla allows one concurrent writer; the dispatcher pushes from
		// its own goroutines, so every write goes through this mutex.
		var sendMu sync.Mutex
		send := func(v any) error {
			sendMu.Lock()
			defer sendMu.Unlock()
			return conn.WriteJSON(v)
		}

		d.Attach(shardID, send)
		defer d.Detach(shardID)

		if err := send(WSResponse{Type: msgAuthOK, Payload: map[string]string{"shard_id": shardID}}); err != nil {
			return
		}

		limiter := ratelimit.New(120, time.Minute)
		for {
			var msg WSMessage
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[dispatch] websocket read error from %s: %v", shardID, err)
				}
				return
			}
			if !limiter.Allow() {
				writeError(conn, send, "rate limit exceeded")
				continue
			}
			handleMessage(d, shardID, send, msg)
		}
	}
}

// authenticate reads the auth frame and verifies it against the registry.
// Only paired file-processing shards may hold a worker connection.
func authenticate(conn *websocket.Conn, reg *registry.Registry) (string, error) {
	conn.SetReadDeadline(time.Now().Add(authWindow))
	defer conn.SetReadDeadline(time.Time{})

	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return "", err
	}
	if msg.Type != msgAuth {
		return "", errors.New("first frame must be auth")
	}
	var payload authPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return "", err
	}
	shard, err := reg.Authenticate(payload.ShardID, payload.Key)
	if err != nil {
		return "", err
	}
	if shard.Kind != registry.KindFileProcessing {
		return "", errors.New("shard is not a processing worker")
	}
	return shard.ID, nil
}

func handleMessage(d *Dispatcher, shardID string, send func(v any) error, msg WSMessage) {
	switch msg.Type {
	case msgNewFileAck:
		var payload newFileAckPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			writeError(nil, send, "invalid new-file-ack payload")
			return
		}
		d.ResolveAck(payload.RequestID, payload.Accept)

	case msgMarkFile:
		var payload markFilePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			writeError(nil, send, "invalid mark-file payload")
			return
		}
		if err := d.MarkFile(shardID, payload.FileID, payload.Status); err != nil {
			writeError(nil, send, "mark-file failed: "+err.Error())
			return
		}
		_ = send(WSResponse{Type: msgMarkFileAck, Payload: map[string]string{"fileId": payload.FileID}})

	case msgStatusUpdate:
		var payload statusUpdatePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			writeError(nil, send, "invalid status-update payload")
			return
		}
		d.StatusUpdate(shardID, payload.IsBusy)

	case msgRequestWork:
		var payload requestWorkPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			writeError(nil, send, "invalid request-work payload")
			return
		}
		entries, err := d.RequestWork(shardID, payload.Max)
		if err != nil {
			writeError(nil, send, "request-work failed: "+err.Error())
			return
		}
		_ = send(WSResponse{Type: msgWork, Payload: map[string]any{"files": entries}})

	case msgClaimWork:
		var payload claimWorkPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			writeError(nil, send, "invalid claim-work payload")
			return
		}
		claimed := d.ClaimWork(shardID, payload.FileID) == nil
		_ = send(WSResponse{Type: msgClaimResult, Payload: map[string]any{
			"fileId":  payload.FileID,
			"claimed": claimed,
		}})

	default:
		writeError(nil, send, "unknown message type: "+msg.Type)
	}
}

// writeError reports a protocol error over whichever writer is available.
func writeError(conn *websocket.Conn, send func(v any) error, message string) {
	resp := WSResponse{Type: msgError, Payload: map[string]string{"error": message}}
	if send != nil {
		_ = send(resp)
		return
	}
	_ = conn.WriteJSON(resp)
}
