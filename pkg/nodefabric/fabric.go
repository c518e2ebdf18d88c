package nodefabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wisbric/probemesh/internal/identity"
)

// Fabric owns the WebSocket upgrade endpoint and the handshake/heartbeat
// state machine described for the Session Layer.
type Fabric struct {
	Registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	heartbeatInterval time.Duration
	authTimeout       time.Duration
}

// NewFabric creates a Fabric. heartbeatInterval is the expected interval
// between node heartbeats; staleness is declared at 3x this value.
func NewFabric(registry *Registry, logger *slog.Logger, heartbeatInterval, authTimeout time.Duration) *Fabric {
	return &Fabric{
		Registry:          registry,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		authTimeout:       authTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the connection and runs its lifetime to completion in
// the calling goroutine's child (one goroutine per connection).
func (f *Fabric) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	go f.serve(conn)
}

func (f *Fabric) serve(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(f.authTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		f.logger.Info("node session closed before auth frame", "error", err)
		return
	}

	var auth AuthFrame
	if err := json.Unmarshal(raw, &auth); err != nil || auth.NodeUUID == "" || auth.APIKey == "" {
		_ = conn.WriteJSON(AuthErrorFrame{Status: "error", Message: "malformed auth frame"})
		return
	}

	node, ok := f.Registry.ByAPIKeyHash(identity.HashAPIKey(auth.APIKey))
	if !ok || node.NodeUUID != auth.NodeUUID {
		_ = conn.WriteJSON(AuthErrorFrame{Status: "error", Message: "invalid node credentials"})
		f.logger.Warn("node auth failed", "node_uuid", auth.NodeUUID)
		return
	}

	connectionID := uuid.NewString()
	sess := newSession(node.NodeUUID, connectionID, conn, f.logger)

	if !f.Registry.BindSession(node.NodeUUID, sess) {
		// I1: a live session already exists for this node_uuid. Reject the
		// new connection; the existing session is left untouched.
		_ = conn.WriteJSON(AuthErrorFrame{Status: "error", Message: "node already has an active session"})
		f.logger.Info("rejected duplicate node session", "node_uuid", node.NodeUUID)
		return
	}

	ctx := context.Background()
	if err := f.Registry.MarkActive(ctx, node.NodeUUID, connectionID); err != nil {
		f.logger.Error("marking node active", "node_uuid", node.NodeUUID, "error", err)
		f.Registry.UnbindSession(node.NodeUUID, sess)
		_ = conn.WriteJSON(AuthErrorFrame{Status: "error", Message: "registration lookup failed"})
		return
	}

	conn.SetReadDeadline(time.Time{})
	welcome := WelcomeFrame{
		Status:       "connected",
		ConnectionID: connectionID,
		Reconnect: ReconnectParams{
			MinDelayMS:   1000,
			MaxDelayMS:   30000,
			JitterFactor: 0.10,
			InitialDelay: 1000,
		},
		ServerTime: time.Now().Unix(),
	}
	if err := sess.writeJSON(welcome); err != nil {
		f.closeSession(sess, CloseNormal)
		return
	}

	go f.watchLiveness(sess)
	f.readLoop(sess)
}

func (f *Fabric) watchLiveness(sess *Session) {
	threshold := 3 * f.heartbeatInterval
	ticker := time.NewTicker(f.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-ticker.C:
			if time.Since(sess.LastRx()) > threshold {
				f.logger.Warn("node session stale, closing", "node_uuid", sess.NodeUUID, "connection_id", sess.ConnectionID)
				f.closeSession(sess, CloseStale)
				return
			}
		}
	}
}

func (f *Fabric) readLoop(sess *Session) {
	defer f.closeSession(sess, CloseNormal)

	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		sess.touchRx()

		frameType, err := decodeFrame(raw)
		if err != nil {
			f.logger.Warn("discarding unparseable frame", "node_uuid", sess.NodeUUID, "error", err)
			continue
		}

		switch frameType {
		case FrameHeartbeat:
			f.handleHeartbeat(sess, raw)
		case FrameDiagnosticResponse:
			f.handleDiagnosticResponse(sess, raw)
		default:
			// Unknown frame types are logged and ignored; they never
			// terminate the session.
			f.logger.Debug("unknown frame type", "node_uuid", sess.NodeUUID, "type", frameType)
		}
	}
}

func (f *Fabric) handleHeartbeat(sess *Session, raw []byte) {
	var hb HeartbeatFrame
	if err := json.Unmarshal(raw, &hb); err != nil {
		f.logger.Warn("malformed heartbeat frame", "node_uuid", sess.NodeUUID, "error", err)
		return
	}
	if err := f.Registry.Heartbeat(context.Background(), sess.NodeUUID, hb.CurrentLoad, hb.ErrorCountDelta, hb.Version); err != nil {
		f.logger.Error("applying heartbeat", "node_uuid", sess.NodeUUID, "error", err)
		return
	}
	_ = sess.writeJSON(HeartbeatAckFrame{Type: FrameHeartbeatAck, Status: "ok", ServerTime: time.Now().Unix()})
}

func (f *Fabric) handleDiagnosticResponse(sess *Session, raw []byte) {
	var resp DiagnosticResponseFrame
	if err := json.Unmarshal(raw, &resp); err != nil {
		f.logger.Warn("malformed diagnostic_response frame", "node_uuid", sess.NodeUUID, "error", err)
		return
	}

	job, ok := sess.resolvePending(resp.RequestID)
	if !ok {
		// Late response for an already-resolved (timed out or cancelled)
		// job: discarded silently, per spec.
		return
	}

	_ = f.Registry.RecordJobOutcome(context.Background(), sess.NodeUUID, resp.ExecutionTime, false)
	job.resultCh <- JobOutcome{Result: resp.Result, Success: resp.Success, ExecutionTime: resp.ExecutionTime}
	_ = sess.writeJSON(ResultReceivedFrame{Type: FrameResultReceived, Status: "ok", RequestID: resp.RequestID})
}

// closeSession performs the documented close path: unbind from the
// registry's live map, clear connection_id, mark disconnected (unless
// deactivated), and resolve every pending job with NodeDisconnected.
func (f *Fabric) closeSession(sess *Session, reason CloseReason) {
	f.Registry.UnbindSession(sess.NodeUUID, sess)
	if err := f.Registry.MarkDisconnected(context.Background(), sess.NodeUUID); err != nil {
		f.logger.Error("marking node disconnected", "node_uuid", sess.NodeUUID, "error", err)
	}
	drained := sess.drainPending("NodeDisconnected")
	if drained > 0 {
		f.logger.Info("drained pending jobs on session close", "node_uuid", sess.NodeUUID, "count", drained, "reason", reason)
	}
	sess.Close()
}
