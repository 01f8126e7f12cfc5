// Package gateway upgrades HTTP connections to WebSocket channels and
// hands them to sessions. In production (BOOPD_ENV=production), only
// origins listed in the config are accepted.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/boopnet/boopd/internal/auth"
	"github.com/boopnet/boopd/internal/metrics"
	"github.com/boopnet/boopd/internal/session"
)

// Gateway accepts WebSocket connections and runs one session per client.
type Gateway struct {
	broker   *auth.Broker
	sessCfg  session.Config
	m        *metrics.Metrics
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// Config for the gateway.
type Config struct {
	// AllowedOrigins gates the upgrade handshake. ["*"] allows all.
	AllowedOrigins []string
	Production     bool
	Session        session.Config
}

// New creates a gateway.
func New(cfg Config, broker *auth.Broker, m *metrics.Metrics) *Gateway {
	return &Gateway{
		broker:  broker,
		sessCfg: cfg.Session,
		m:       m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     buildCheckOrigin(cfg),
		},
		logger: log.New(log.Writer(), "[Gateway] ", log.LstdFlags),
	}
}

// buildCheckOrigin returns a CheckOrigin function based on the deployment
// environment. In production, origins are validated against the allowlist.
func buildCheckOrigin(cfg Config) func(r *http.Request) bool {
	allowAll := false
	allowed := make(map[string]bool)
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	if cfg.Production && !allowAll {
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			log.Printf("[Gateway] rejected connection from origin: %s", origin)
			return false
		}
	}
	if cfg.Production && allowAll {
		log.Println("[Gateway] origin allowlist contains * in production — allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// HandleWebSocket upgrades HTTP to WebSocket and starts a session.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("upgrade failed: %v", err)
		return
	}

	clientID := ClientID(r)
	g.logger.Printf("client connected: %s", clientID)

	ch := newWSChannel(conn, g.logger)
	sess := session.New(clientID, ch, g.broker, g.sessCfg, g.m)
	go g.serve(sess, ch, conn, clientID)
}

// serve initializes the session, then pumps inbound frames until the
// connection dies, then runs the session's shutdown flush.
func (g *Gateway) serve(sess *session.Session, ch *wsChannel, conn *websocket.Conn, clientID string) {
	defer func() {
		sess.HandleClose()
		ch.stop()
		conn.Close()
		g.logger.Printf("client disconnected: %s", clientID)
	}()

	if err := sess.Start(context.Background()); err != nil {
		return
	}

	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				g.logger.Printf("read error for %s: %v", clientID, err)
			}
			return
		}
		switch mt {
		case websocket.TextMessage:
			sess.HandleText(string(payload))
		case websocket.BinaryMessage:
			sess.HandleBinary(payload)
		}
	}
}

// ClientID derives the stable client identifier from the caller's network
// identifier: the first 8 bytes of SHA-256 over the remote host, hex
// encoded. Deterministic across reconnects and safe as a key segment.
func ClientID(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-For")
	if host == "" {
		host = r.RemoteAddr
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	hash := sha256.Sum256([]byte(host))
	return hex.EncodeToString(hash[:8])
}
