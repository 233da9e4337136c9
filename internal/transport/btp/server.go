// Package btp accepts Bilateral Transfer Protocol clients over websockets.
// Every connection gets its own ILP address below the node address.
package btp

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ilp-node/internal/connector"
	"github.com/example/ilp-node/pkg/ilp"
)

const writeWait = 10 * time.Second

// Processor receives packets from BTP clients.
type Processor interface {
	ProcessPacket(ctx context.Context, in connector.IncomingPacket)
}

// RouteRegistrar receives the route of each connection.
type RouteRegistrar interface {
	AddFixedRoute(prefix string, destination connector.Endpoint)
	RemoveRoute(prefix string) bool
}

type conn struct {
	ws       *websocket.Conn
	endpoint connector.BtpEndpoint
	address  string

	writeMu sync.Mutex
}

func (c *conn) write(frame ilp.BtpFrame) error {
	raw, err := ilp.EncodeBtpFrame(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.BinaryMessage, raw)
}

// Server is the websocket handler and the sender for connector.KindBtp.
type Server struct {
	processor   Processor
	routes      RouteRegistrar
	nodeAddress string
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	nextID atomic.Uint32
	mu     sync.RWMutex
	conns  map[uint32]*conn
}

func NewServer(processor Processor, routes RouteRegistrar, nodeAddress string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		processor:   processor,
		routes:      routes,
		nodeAddress: nodeAddress,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[uint32]*conn),
	}
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("btp upgrade failed", "error", err)
		return
	}

	part := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	c := &conn{
		ws:       ws,
		endpoint: connector.BtpEndpoint{ConnectionID: s.nextID.Add(1), LocalAddressPart: part},
		address:  s.nodeAddress + "." + part,
	}

	s.mu.Lock()
	s.conns[c.endpoint.ConnectionID] = c
	s.mu.Unlock()
	s.routes.AddFixedRoute(c.address, c.endpoint)
	s.logger.Info("btp client connected", "connection_id", c.endpoint.ConnectionID, "address", c.address)

	defer func() {
		s.routes.RemoveRoute(c.address)
		s.mu.Lock()
		delete(s.conns, c.endpoint.ConnectionID)
		s.mu.Unlock()
		_ = ws.Close()
		s.logger.Info("btp client disconnected", "connection_id", c.endpoint.ConnectionID)
	}()

	for {
		kind, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("btp read failed", "connection_id", c.endpoint.ConnectionID, "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			s.logger.Debug("ignoring non-binary btp message", "connection_id", c.endpoint.ConnectionID)
			continue
		}
		s.handleFrame(r.Context(), c, raw)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *conn, raw []byte) {
	frame, err := ilp.DecodeBtpFrame(raw)
	if err != nil {
		s.logger.Debug("failed to parse btp frame", "connection_id", c.endpoint.ConnectionID, "error", err)
		return
	}

	switch frame.Type {
	case ilp.BtpError:
		s.logger.Warn("btp client sent error", "connection_id", c.endpoint.ConnectionID, "code", frame.Error.Code, "name", frame.Error.Name)
		return
	case ilp.BtpMessage:
		// Authentication is not enforced; the handshake is acknowledged so
		// standard clients proceed.
		if _, ok := frame.Protocol("auth"); ok {
			if err := c.write(ilp.BtpFrame{Type: ilp.BtpResponse, RequestID: frame.RequestID}); err != nil {
				s.logger.Warn("btp auth response failed", "error", err)
			}
			return
		}
	}

	data, ok := frame.Protocol(ilp.BtpProtocolILP)
	if !ok {
		return
	}
	packet, err := ilp.Parse(data)
	if err != nil {
		s.logger.Debug("invalid ilp packet in btp frame", "connection_id", c.endpoint.ConnectionID, "error", err)
		return
	}
	s.processor.ProcessPacket(ctx, connector.IncomingPacket{
		Source:     c.endpoint,
		Packet:     packet,
		Serialized: data,
		RequestID:  strconv.FormatUint(uint64(frame.RequestID), 10),
	})
}

func (s *Server) SendPrepare(out connector.OutgoingPrepare) {
	s.send(out.Destination, ilp.BtpMessage, out.RequestID, out.Serialized)
}

// SendResult answers with the request id the client used for the Prepare.
func (s *Server) SendResult(res connector.ResolvedPacket) {
	s.send(res.Destination, ilp.BtpResponse, res.RequestID, res.Serialized)
}

func (s *Server) send(destination connector.Endpoint, kind ilp.BtpType, requestID string, packet []byte) {
	endpoint, ok := destination.(connector.BtpEndpoint)
	if !ok {
		s.logger.Error("btp server got a non-btp destination", "endpoint", destination.UniqueID())
		return
	}
	id, err := strconv.ParseUint(requestID, 10, 32)
	if err != nil {
		s.logger.Error("btp request id is not a uint32", "request_id", requestID, "error", err)
		return
	}

	s.mu.RLock()
	c, ok := s.conns[endpoint.ConnectionID]
	s.mu.RUnlock()
	if !ok {
		s.logger.Error("failed to send btp message: no connection", "connection_id", endpoint.ConnectionID)
		return
	}

	if err := c.write(ilp.NewBtpPacketFrame(kind, uint32(id), packet)); err != nil {
		s.logger.Warn("btp write failed", "connection_id", endpoint.ConnectionID, "error", err)
	}
}
