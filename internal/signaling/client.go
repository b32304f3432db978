package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
)

const wsWriteWait = 1 * time.Second

// client is one signaling WebSocket and the participant it represents.
//
// The read loop handles messages in order; negotiation blocks it, so ICE
// candidates sent after an offer are applied after the offer. Writes go
// through queue and are performed only by writeLoop. Pings use WriteControl,
// which gorilla allows concurrently with the writer.
type client struct {
	id   string
	srv  *Server
	conn *websocket.Conn
	log  *slog.Logger

	limiter *rate.Limiter
	queue   *sendQueue

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
	closeCode    int
	closeReason  string
	writerDone   chan struct{}
}

func newClient(srv *Server, conn *websocket.Conn, id string) *client {
	ctx, cancel := context.WithCancel(context.Background())
	limit := rate.Inf
	burst := 0
	if n := srv.maxSignalingMessagesPerSecond(); n > 0 {
		limit = rate.Limit(n)
		burst = n
	}
	return &client{
		id:         id,
		srv:        srv,
		conn:       conn,
		log:        srv.log.With("participant_id", id),
		limiter:    rate.NewLimiter(limit, burst),
		queue:      newSendQueue(srv.signalingSendQueueLen()),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
	}
}

func (c *client) run() {
	defer c.finish()

	go c.writeLoop()
	go c.pingLoop()

	c.srv.hub.register(c)
	c.send(newRoomList(messageTypeRoomListUpdated, c.srv.engine.Registry.Rooms()))

	idleTimeout := c.srv.signalingWSIdleTimeout()
	c.conn.SetReadLimit(c.srv.maxSignalingMessageBytes())
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				c.log.Debug("signaling connection idle", "timeout", idleTimeout)
				c.shutdown(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		// Rate limit after the read so unread bytes don't turn our close
		// into a TCP reset.
		if !c.limiter.Allow() {
			c.srv.metrics.Inc(metrics.SignalingRateLimited)
			c.fail(codeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.SignalingBadMessage)
			c.fail(codeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := parseClientMessage(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.SignalingBadMessage)
			c.fail(codeBadMessage, err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg clientMessage) {
	reg := c.srv.engine.Registry
	switch msg.Type {
	case messageTypeCreateRoom:
		reg.AddRoom()
	case messageTypeDeleteRoom:
		reg.DeleteRoom(msg.RoomID)
	case messageTypeGetRooms:
		c.send(newRoomList(messageTypeRoomsUpdated, reg.Rooms()))
	case messageTypeJoinRoom:
		if !reg.JoinRoom(msg.RoomID, c.id) {
			c.log.Debug("join ignored", "room_id", msg.RoomID)
		}
	case messageTypeLeaveRoom:
		reg.LeaveRoom(c.id)
	case messageTypeSendOffer, messageTypeCreatePeerConnection:
		c.handleDescription(msg.RoomID, *msg.description())
	case messageTypeRequestKeyframe:
		reg.RequestKeyframes(msg.RoomID, c.id)
	case messageTypeICECandidate:
		c.handleCandidate(msg.RoomID, *msg.Candidate)
	}
}

func (c *client) handleDescription(roomID string, wire sessionDescription) {
	desc, err := wire.toPion()
	if err != nil {
		c.srv.metrics.Inc(metrics.MalformedOffer)
		c.sendError(codeMalformedOffer, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.srv.negotiationTimeout())
	defer cancel()
	answer, err := c.srv.engine.Negotiator.CreateSession(ctx, roomID, c.id, desc)
	if err != nil {
		c.log.Warn("negotiation failed", "room_id", roomID, "err", err)
		c.sendError(errorCode(err), err.Error())
		return
	}
	// Answers to a server-initiated renegotiation produce no reply.
	if answer.SDP == "" {
		return
	}
	c.send(newSDPMessage(messageTypeOfferProcessed, answer))
}

func (c *client) handleCandidate(roomID string, wire candidate) {
	// Empty candidate marks end-of-candidates.
	if wire.Candidate == "" {
		return
	}
	if err := c.srv.engine.Negotiator.AddICECandidate(roomID, c.id, wire.toPion()); err != nil {
		code := codeBadCandidate
		if errors.Is(err, room.ErrNotFound) {
			code = codeNotFound
		}
		c.sendError(code, err.Error())
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrMalformedOffer):
		return codeMalformedOffer
	case errors.Is(err, room.ErrNotFound):
		return codeNotFound
	case errors.Is(err, room.ErrNegotiationFailed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return codeNegotiationFailed
	default:
		return codeInternal
	}
}

func (c *client) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("encode signaling message", "err", err)
		return
	}
	c.enqueue(data)
}

func (c *client) enqueue(data []byte) {
	if !c.queue.Enqueue(data) {
		c.srv.metrics.Inc(metrics.SignalingQueueDropped)
	}
}

func (c *client) sendError(code, message string) {
	c.send(errorMessage{Type: messageTypeError, Code: code, Message: message})
}

// fail queues an error message and closes once it has been written.
func (c *client) fail(code, message string, closeCode int, closeReason string) {
	c.sendError(code, message)
	c.shutdown(closeCode, closeReason)
}

// shutdown stops accepting outbound messages. The writer flushes what is
// queued, sends a close frame with code and reason, then closes the socket.
func (c *client) shutdown(code int, reason string) {
	c.shutdownOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		c.queue.Close()
	})
}

func (c *client) writeLoop() {
	defer close(c.writerDone)
	defer c.conn.Close()

	for {
		data, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Debug("signaling write failed", "err", err)
			c.shutdown(websocket.CloseAbnormalClosure, "")
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(wsWriteWait))
}

func (c *client) pingLoop() {
	ticker := time.NewTicker(c.srv.signalingWSPingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.writerDone:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *client) finish() {
	c.shutdown(websocket.CloseNormalClosure, "")
	c.cancel()
	c.srv.hub.unregister(c)
	c.srv.engine.Registry.LeaveRoom(c.id)
	<-c.writerDone

	c.srv.untrack(c)
	c.srv.metrics.Inc(metrics.SignalingConnClosed)
	c.log.Info("signaling connection closed", "dropped_messages", c.queue.DropCount())
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
