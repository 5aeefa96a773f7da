package realtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxFrameBytes    = 32 << 20
	writeWait        = 10 * time.Second
	closeGracePeriod = 100 * time.Millisecond
)

var (
	errMissingRoomManager    = errors.New("realtime: room manager is required")
	errMissingTokenValidator = errors.New("realtime: token validator is required")
	errMissingResolver       = errors.New("realtime: resource resolver is required")
	errMissingPermissions    = errors.New("realtime: permission checker is required")
)

// Identity is the authenticated principal behind a connection.
type Identity struct {
	UserID      string
	DisplayName string
	Roles       []string
}

// TokenValidator checks a bearer credential and resolves the identity it
// represents.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Identity, error)
}

// ResourceResolver reports whether the resource behind a room exists.
type ResourceResolver interface {
	Exists(ctx context.Context, roomType RoomType, resourceID string) (bool, error)
}

// PermissionChecker reports whether the identity may collaborate on the
// resource.
type PermissionChecker interface {
	Allow(ctx context.Context, identity Identity, roomType RoomType, resourceID string) (bool, error)
}

// ServerConfig carries the collaborators of a realtime Server.
type ServerConfig struct {
	Rooms       *RoomManager
	Tokens      TokenValidator
	Resources   ResourceResolver
	Permissions PermissionChecker
	Limiter     *RateLimiter
	Hooks       *HookEmitter
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Server accepts WebSocket connections, runs the admission handshake, and
// drives the per-connection read and write pumps.
type Server struct {
	rooms       *RoomManager
	tokens      TokenValidator
	resources   ResourceResolver
	permissions PermissionChecker
	limiter     *RateLimiter
	hooks       *HookEmitter
	clock       func() time.Time
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

// NewServer validates the configuration and constructs the server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Rooms == nil {
		return nil, errMissingRoomManager
	}
	if cfg.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if cfg.Resources == nil {
		return nil, errMissingResolver
	}
	if cfg.Permissions == nil {
		return nil, errMissingPermissions
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(RateLimitConfig{}, cfg.Clock)
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NewHookEmitter()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		rooms:       cfg.Rooms,
		tokens:      cfg.Tokens,
		resources:   cfg.Resources,
		permissions: cfg.Permissions,
		limiter:     limiter,
		hooks:       hooks,
		clock:       clock,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// HandleConnection is the gin handler for the realtime endpoint. The socket
// is upgraded before admission so rejections reach the client as a
// CONTROL/ERROR frame instead of an opaque HTTP status.
func (s *Server) HandleConnection(ginContext *gin.Context) {
	request := ginContext.Request
	extraction := ExtractToken(request)

	responseHeader := http.Header{}
	if protocol := negotiatedSubprotocol(request, extraction); protocol != "" {
		responseHeader.Set("Sec-Websocket-Protocol", protocol)
	}
	connection, err := s.upgrader.Upgrade(ginContext.Writer, request, responseHeader)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	connection.SetReadLimit(maxFrameBytes)

	roomType, err := ParseRoomType(ginContext.Param("roomType"))
	if err != nil {
		s.reject(connection, NewError(CodeNotFound, "unknown room type"))
		return
	}
	resourceID := strings.TrimSpace(ginContext.Param("resourceID"))
	if resourceID == "" {
		s.reject(connection, NewError(CodeNotFound, "missing resource id"))
		return
	}

	ctx := request.Context()
	identity, admissionErr := s.admit(ctx, roomType, resourceID, extraction)
	if admissionErr != nil {
		s.reject(connection, admissionErr)
		return
	}

	sourceIP := clientAddress(request)
	if err := s.limiter.AcquireConnection(sourceIP, identity.UserID); err != nil {
		s.reject(connection, err)
		return
	}

	participant := newClient(uuid.NewString(), identity.UserID, identity.DisplayName, sourceIP)
	room := s.rooms.GetOrCreate(ctx, roomType, resourceID)
	bootstrap := room.Join(participant)

	if extraction.Method == TokenMethodQuery {
		s.logger.Warn("deprecated query parameter credential",
			zap.String("room_id", room.ID()),
			zap.String("user_id", identity.UserID))
	}
	s.logger.Info("client connected",
		zap.String("room_id", room.ID()),
		zap.String("user_id", identity.UserID),
		zap.String("token_method", string(extraction.Method)))
	s.hooks.Emit(HookEvent{
		Type:      HookClientConnected,
		RoomID:    room.ID(),
		UserID:    identity.UserID,
		Timestamp: s.clock().UTC(),
	})

	go s.writePump(connection, participant)
	s.sendDirect(participant, bootstrap)
	s.readLoop(connection, room, participant)
	s.teardown(connection, room, participant)
}

// admit runs the ordered admission checks: credential, resource existence,
// then permission. The ordering keeps resource enumeration behind
// authentication.
func (s *Server) admit(ctx context.Context, roomType RoomType, resourceID string, extraction TokenExtraction) (Identity, error) {
	if extraction.Token == "" {
		return Identity{}, NewError(CodeAuthenticationFailed, "missing credentials")
	}
	identity, err := s.tokens.Validate(ctx, extraction.Token)
	if err != nil {
		return Identity{}, WrapError(CodeAuthenticationFailed, "invalid or expired credentials", err)
	}

	exists, err := s.resources.Exists(ctx, roomType, resourceID)
	if err != nil {
		return Identity{}, WrapError(CodeRealtimeError, "resource lookup failed", err)
	}
	if !exists {
		return Identity{}, NewError(CodeNotFound, "resource does not exist")
	}

	allowed, err := s.permissions.Allow(ctx, identity, roomType, resourceID)
	if err != nil {
		return Identity{}, WrapError(CodeRealtimeError, "permission lookup failed", err)
	}
	if !allowed {
		return Identity{}, NewError(CodePermissionDenied, "collaboration not permitted on this resource")
	}
	return identity, nil
}

// readLoop processes inbound frames sequentially, so one connection's
// messages apply to the document in arrival order.
func (s *Server) readLoop(connection *websocket.Conn, room *Room, participant *client) {
	for {
		_, frame, err := connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("connection read failed",
					zap.String("room_id", room.ID()), zap.Error(err))
			}
			return
		}

		message, err := DecodeMessage(frame)
		if err != nil {
			s.logger.Debug("dropping malformed frame",
				zap.String("room_id", room.ID()),
				zap.String("user_id", participant.userID),
				zap.Error(err))
			continue
		}

		if message.Type == MessageTypePing {
			s.sendDirect(participant, Message{Type: MessageTypePong})
			continue
		}
		if message.Type == MessageTypePong {
			continue
		}

		decision := s.limiter.AllowMessage(participant.id)
		if !decision.Allowed {
			continue
		}
		if decision.Warning {
			s.sendDirect(participant, NewRateLimitWarning(decision.Remaining))
		}

		switch message.Type {
		case MessageTypeSync:
			update, err := message.UpdateBytes()
			if err != nil {
				s.sendDirect(participant, NewErrorMessage(WrapError(CodeInvalidUpdate, "undecodable sync update", err)))
				continue
			}
			if err := room.Merge(context.Background(), participant.id, update); err != nil {
				s.logger.Warn("rejected sync update",
					zap.String("room_id", room.ID()),
					zap.String("user_id", participant.userID),
					zap.Error(err))
				s.sendDirect(participant, NewErrorMessage(err))
			}
		case MessageTypePresence:
			room.ApplyPresence(participant, message)
		}
	}
}

// writePump is the sole writer on the socket. It drains the participant's
// outbound buffer until the connection is torn down.
func (s *Server) writePump(connection *websocket.Conn, participant *client) {
	for {
		select {
		case frame, ok := <-participant.send:
			if !ok {
				return
			}
			connection.SetWriteDeadline(s.clock().Add(writeWait))
			if err := connection.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-participant.done:
			connection.SetWriteDeadline(s.clock().Add(writeWait))
			connection.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) teardown(connection *websocket.Conn, room *Room, participant *client) {
	remaining := room.Leave(participant)
	participant.close()
	connection.Close()

	s.limiter.ReleaseConnection(participant.sourceIP, participant.userID)
	s.limiter.ReleaseBucket(participant.id)

	s.logger.Info("client disconnected",
		zap.String("room_id", room.ID()),
		zap.String("user_id", participant.userID),
		zap.Int("remaining", remaining))
	s.hooks.Emit(HookEvent{
		Type:      HookClientDisconnected,
		RoomID:    room.ID(),
		UserID:    participant.userID,
		Timestamp: s.clock().UTC(),
	})

	if remaining == 0 {
		s.rooms.NotifyEmpty(context.Background(), room)
	}
}

// reject delivers the admission failure as a CONTROL/ERROR frame and closes
// the socket.
func (s *Server) reject(connection *websocket.Conn, cause error) {
	defer connection.Close()

	frame, err := EncodeMessage(NewErrorMessage(cause))
	if err != nil {
		return
	}
	deadline := s.clock().Add(writeWait)
	connection.SetWriteDeadline(deadline)
	if err := connection.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}
	connection.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(CodeOf(cause))))
	time.Sleep(closeGracePeriod)
}

// sendDirect enqueues a frame for one participant only.
func (s *Server) sendDirect(participant *client, message Message) {
	frame, err := EncodeMessage(message)
	if err != nil {
		s.logger.Error("failed to encode frame", zap.Error(err))
		return
	}
	if !participant.enqueue(frame) {
		s.logger.Debug("dropped direct frame for slow consumer",
			zap.String("user_id", participant.userID))
	}
}

// negotiatedSubprotocol picks the subprotocol echoed in the upgrade response.
// When the credential travelled as a subprotocol entry the same entry is
// echoed back, which some browser WebSocket clients require to keep the
// connection open.
func negotiatedSubprotocol(request *http.Request, extraction TokenExtraction) string {
	protocols := requestSubprotocols(request)
	if len(protocols) == 0 {
		return ""
	}
	if extraction.Method == TokenMethodSubprotocol {
		for _, protocol := range protocols {
			if strings.HasPrefix(protocol, subprotocolAuthPrefix) {
				return protocol
			}
		}
	}
	return protocols[0]
}

// clientAddress extracts the peer IP, preferring the first hop recorded by a
// reverse proxy.
func clientAddress(request *http.Request) string {
	if forwarded := request.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if address := strings.TrimSpace(parts[0]); address != "" {
			return address
		}
	}
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return request.RemoteAddr
	}
	return host
}
