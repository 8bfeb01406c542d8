package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/code-payments/purchase-bridge/bridge"
)

// ConnectionIDHeader carries the id of an accepted websocket connection,
// which is also the presentation id its purchase flows are launched from.
const ConnectionIDHeader = "X-Connection-Id"

var errConnectionClosed = errors.New("connection closed")

// conn is one websocket caller. It is the presentation that purchase flows
// requested over it are launched from.
type conn struct {
	id   string
	ws   *websocket.Conn
	log  *zap.Logger
	conf Config
	done chan struct{}

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   map[bridge.Channel]*bridge.Subscription

	// Calls made to the caller, keyed by frame id.
	pendingMu sync.Mutex
	pending   map[string]chan Frame
}

func (c *conn) PresentationID() string {
	return c.id
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	ws, err := s.upgrader.Upgrade(w, r, http.Header{ConnectionIDHeader: []string{id}})
	if err != nil {
		s.log.Debug("Failed to upgrade websocket connection", zap.Error(err))
		return
	}

	c := &conn{
		id:      id,
		ws:      ws,
		conf:    s.conf,
		done:    make(chan struct{}),
		subs:    make(map[bridge.Channel]*bridge.Subscription),
		pending: make(map[string]chan Frame),
	}
	c.log = s.log.With(zap.String("connection_id", c.id))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		close(c.done)
		s.callers.remove(c)
		s.presentation.Detach(c)
		ws.Close()
		c.log.Debug("Channel connection closed")
	}()

	s.presentation.Attach(c)
	s.callers.add(c)
	c.log.Debug("Channel connection opened")

	go c.pingLoop(ctx)
	s.readLoop(ctx, c)
}

func (s *Server) readLoop(ctx context.Context, c *conn) {
	_ = c.ws.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.conf.PongWait))
	})

	for {
		var frame Frame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("Websocket read error", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case FrameTypeCall:
			go s.call(ctx, c, frame)
		case FrameTypeListen:
			s.listen(ctx, c, frame)
		case FrameTypeCancel:
			c.cancel(bridge.Channel(frame.Channel))
		case FrameTypeResult, FrameTypeError:
			c.resolve(frame)
		default:
			c.writeError(frame, status.Errorf(codes.InvalidArgument, "unknown frame type: %s", frame.Type))
		}
	}
}

func (s *Server) call(ctx context.Context, c *conn, frame Frame) {
	result, err := s.invoke(bridge.WithPresentation(ctx, c), frame.Method, frame.Args)
	if err != nil {
		c.log.Debug("Method call failed", zap.String("method", frame.Method), zap.Error(err))
		c.writeError(frame, err)
		return
	}

	c.write(Frame{Type: FrameTypeResult, ID: frame.ID, Method: frame.Method, Data: result})
}

func (s *Server) listen(ctx context.Context, c *conn, frame Frame) {
	channel, err := bridge.ParseChannel(frame.Channel)
	if err != nil {
		c.writeError(frame, status.Error(codes.InvalidArgument, err.Error()))
		return
	}

	sub, err := s.bridge.Subscribe(ctx, channel)
	if err != nil {
		c.writeError(frame, err)
		return
	}

	c.subsMu.Lock()
	c.subs[channel] = sub
	c.subsMu.Unlock()

	go c.forward(sub)
}

// forward relays a subscription's events until it ends.
func (c *conn) forward(sub *bridge.Subscription) {
	channel := sub.Channel().String()
	for messages := range sub.Events() {
		c.write(Frame{Type: FrameTypeEvent, Channel: channel, Data: messages})
	}

	c.subsMu.Lock()
	if c.subs[sub.Channel()] == sub {
		delete(c.subs, sub.Channel())
	}
	c.subsMu.Unlock()

	c.write(Frame{Type: FrameTypeEndOfStream, Channel: channel})
}

func (c *conn) cancel(channel bridge.Channel) {
	c.subsMu.Lock()
	sub, ok := c.subs[channel]
	c.subsMu.Unlock()

	if ok {
		sub.Close()
	}
}

// request calls method on the caller and waits for its answer, which is
// either a result or an error frame.
func (c *conn) request(ctx context.Context, method string, args any) (Frame, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return Frame{}, err
	}

	id := uuid.NewString()
	answer := make(chan Frame, 1)

	c.pendingMu.Lock()
	c.pending[id] = answer
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(Frame{Type: FrameTypeCall, ID: id, Method: method, Args: encoded}); err != nil {
		return Frame{}, err
	}

	select {
	case frame := <-answer:
		return frame, nil
	case <-c.done:
		return Frame{}, errConnectionClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *conn) resolve(frame Frame) {
	c.pendingMu.Lock()
	answer, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.pendingMu.Unlock()

	if !ok {
		c.log.Debug("Dropping answer to unknown call", zap.String("id", frame.ID), zap.String("type", string(frame.Type)))
		return
	}
	answer <- frame
}

func (c *conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.conf.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.conf.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

func (c *conn) writeError(frame Frame, err error) {
	c.write(Frame{
		Type:    FrameTypeError,
		ID:      frame.ID,
		Method:  frame.Method,
		Channel: frame.Channel,
		Error:   newErrorBody(err),
	})
}

func (c *conn) write(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.conf.WriteWait))
	if err := c.ws.WriteJSON(frame); err != nil {
		c.log.Debug("Failed to write frame", zap.String("type", string(frame.Type)), zap.Error(err))
		return err
	}
	return nil
}
