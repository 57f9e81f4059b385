package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/Dima4663737373/private-messanger-sub001/internal/config"
	"github.com/Dima4663737373/private-messanger-sub001/internal/metrics"
	"github.com/Dima4663737373/private-messanger-sub001/internal/model"
	"github.com/Dima4663737373/private-messanger-sub001/internal/service/ratelimit"
	"github.com/Dima4663737373/private-messanger-sub001/internal/service/session"
	"github.com/Dima4663737373/private-messanger-sub001/internal/utils/log"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const frameTimeout = 10 * time.Second

type (
	// MessageStore is the durable store contract the router needs. The
	// mongo message repository implements it.
	MessageStore interface {
		InsertIdempotent(ctx context.Context, m *model.Message) (primitive.ObjectID, bool, error)
		GetByID(ctx context.Context, id primitive.ObjectID) (*model.Message, error)
		SetStatus(ctx context.Context, ids []primitive.ObjectID, status model.MessageStatus) error
		Edit(ctx context.Context, id primitive.ObjectID, senderHash string, payload []byte, editedAt int64) error
		Delete(ctx context.Context, id primitive.ObjectID, senderHash string) error
	}

	// IdentityRegistry resolves address ↔ one-way hash ↔ key bundle.
	IdentityRegistry interface {
		GetByAddress(ctx context.Context, address string) (*model.Identity, error)
		GetByHash(ctx context.Context, hash string) (*model.Identity, error)
		Upsert(ctx context.Context, id *model.Identity) error
	}

	// RoomDirectory answers private-room membership checks.
	RoomDirectory interface {
		CanSubscribe(ctx context.Context, roomID, identity string) (bool, error)
	}

	Server struct {
		cfg        *config.Config
		registry   *Registry
		sessions   *session.Store
		guard      *ratelimit.Guard
		messages   MessageStore
		identities IdentityRegistry
		rooms      RoomDirectory

		nextConnID atomic.Uint64
		httpSrv    *http.Server
	}
)

var identityPattern = regexp.MustCompile(`^[a-zA-Z0-9._@-]{3,64}$`)

func NewServer(
	cfg *config.Config,
	registry *Registry,
	sessions *session.Store,
	guard *ratelimit.Guard,
	messages MessageStore,
	identities IdentityRegistry,
	rooms RoomDirectory,
) *Server {
	return &Server{
		cfg:        cfg,
		registry:   registry,
		sessions:   sessions,
		guard:      guard,
		messages:   messages,
		identities: identities,
		rooms:      rooms,
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{token}", s.handleValidateSession()).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.httpSrv = &http.Server{Addr: s.cfg.ListenAddr, Handler: r}

	go s.sweepLoop(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("relay listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		origin := remoteOrigin(r)
		if !s.guard.AllowConnection(origin) {
			metrics.RateLimited.WithLabelValues("origin").Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "failed to upgrade", http.StatusInternalServerError)
			return
		}

		id := fmt.Sprintf("c%d", s.nextConnID.Add(1))
		c := newConn(id, origin, ws)
		s.registry.Add(c)
		metrics.ConnectionsActive.Inc()

		go s.readLoop(c, ws)
	}
}

// handleValidateSession is the one contract the external REST layer
// depends on for authorization.
func (s *Server) handleValidateSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := mux.Vars(r)["token"]

		sess, err := s.sessions.Validate(r.Context(), token)
		if err == session.ErrExpired {
			http.Error(w, "session expired", http.StatusNotFound)
			return
		}
		if err != nil {
			log.Error("session validation failed", zap.Error(err))
			http.Error(w, "session lookup failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"identity": sess.Identity,
			"tier":     string(sess.Tier),
		})
	}
}

// readLoop handles frames from one connection in arrival order.
func (s *Server) readLoop(c *Conn, ws *websocket.Conn) {
	defer s.disconnect(c)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Debug("websocket closed", zap.String("conn", c.id), zap.Error(err))
			return
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError(model.CodeProtocolError, "malformed frame", false)
			continue
		}

		s.dispatch(c, &frame)
	}
}

func (s *Server) dispatch(c *Conn, frame *model.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	switch frame.Type {
	case model.TypeAuth:
		s.handleAuth(ctx, c, frame)
	case model.TypeAuthResponse:
		s.handleAuthResponse(ctx, c, frame)
	case model.TypeAuthKeyMismatch:
		s.handleKeyMismatch(ctx, c, frame)
	case model.TypeHeartbeat:
		c.heartbeat()
		c.send(&model.Frame{Type: model.TypeHeartbeat, Timestamp: time.Now().UnixMilli()})
	default:
		s.dispatchAuthenticated(ctx, c, frame)
	}
}

// dispatchAuthenticated covers every frame type that requires a
// completed handshake. Unauthenticated connections are rejected before
// any state is touched.
func (s *Server) dispatchAuthenticated(ctx context.Context, c *Conn, frame *model.Frame) {
	if !c.Authenticated() {
		c.sendError(model.CodeAuthError, "authentication required", false)
		return
	}

	// A limited session may only complete identity registration.
	if frame.Type != model.TypeRegisterKey && frame.Type != model.TypeLogout {
		if _, _, _, tier := c.session(); tier != session.TierFull {
			c.sendError(model.CodeAuthError, "full session required, register a public key first", false)
			return
		}
	}

	switch frame.Type {
	case model.TypeRegisterKey:
		s.handleRegisterKey(ctx, c, frame)
	case model.TypeSubscribe:
		s.handleSubscribe(ctx, c, frame)
	case model.TypeSubscribeRoom:
		s.handleSubscribeRoom(ctx, c, frame)
	case model.TypeUnsubscribeRoom:
		s.handleUnsubscribeRoom(c, frame)
	case model.TypeDMMessage:
		s.handleDM(ctx, c, frame)
	case model.TypeEditMessage:
		s.handleEdit(ctx, c, frame)
	case model.TypeDeleteMessage:
		s.handleDelete(ctx, c, frame)
	case model.TypeTyping:
		s.handleTyping(c, frame)
	case model.TypeReadReceipt:
		s.handleReadReceipt(ctx, c, frame)
	case model.TypeLogout:
		s.handleLogout(ctx, c)
	default:
		c.sendError(model.CodeProtocolError, fmt.Sprintf("unknown frame type %q", frame.Type), false)
	}
}

// disconnect tears a connection down: subscriptions cleared with the
// record, pending challenge discarded, and the session proactively
// revoked so a leaked token dies with the connection.
func (s *Server) disconnect(c *Conn) {
	if s.registry.Remove(c.id) == nil {
		return
	}
	metrics.ConnectionsActive.Dec()

	s.guard.Forget(c.id)

	_, _, token, _ := c.session()
	if token != "" {
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		defer cancel()
		if err := s.sessions.Revoke(ctx, token); err != nil {
			log.Error("revoke session on disconnect failed",
				zap.String("conn", c.id), zap.Error(err))
		}
	}

	_ = c.ws.Close()
}

func (s *Server) handleLogout(ctx context.Context, c *Conn) {
	_, _, token, _ := c.session()
	if token != "" {
		if err := s.sessions.Revoke(ctx, token); err != nil {
			c.sendError(model.CodeStoreError, "logout failed, retry", true)
			return
		}
	}
	_ = c.ws.Close()
}

// sweepLoop expires pending challenges and drops connections that
// stopped heartbeating.
func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			now := time.Now()
			for _, c := range s.registry.snapshot() {
				c.expirePending(s.cfg.ChallengeTTL, now)
				if now.Sub(c.idleSince()) > s.cfg.HeartbeatTimeout {
					log.Debug("dropping idle connection", zap.String("conn", c.id))
					_ = c.ws.Close()
				}
			}
		}
	}
}

// rateKey ties quota to the session identity when present, else to the
// network origin.
func (s *Server) rateKey(c *Conn) string {
	identity, _, _, _ := c.session()
	if identity != "" {
		return "id:" + identity
	}
	return "origin:" + c.origin
}

func remoteOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
