// Package handler exposes the websocket gateway endpoint: each browser
// session gets its own Transport, and every PDU the transport dispatches is
// forwarded opaquely as one binary websocket message.
package handler

import (
	"crypto/tls"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nullgate/rdp-transport/internal/auth"
	"github.com/nullgate/rdp-transport/internal/buffer"
	"github.com/nullgate/rdp-transport/internal/config"
	"github.com/nullgate/rdp-transport/internal/logging"
	"github.com/nullgate/rdp-transport/internal/transport"
)

const (
	webSocketReadBufferSize  = 8192
	webSocketWriteBufferSize = 8192 * 2
)

// Connect upgrades the request to a websocket and bridges it to an RDP
// transport session.
func Connect(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  webSocketReadBufferSize,
		WriteBufferSize: webSocketWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isAllowedOrigin(r.Header.Get("Origin"))
		},
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("upgrade websocket: %v", err)
		return
	}

	session := uuid.NewString()

	defer func() {
		if err := wsConn.Close(); err != nil {
			logging.Warn("session %s: closing websocket: %v", session, err)
		}
	}()

	host := r.URL.Query().Get("host")
	if host == "" {
		logging.Warn("session %s: missing host parameter", session)
		return
	}

	username := r.URL.Query().Get("username")
	password := r.URL.Query().Get("password")

	cfg, err := config.Load()
	if err != nil {
		logging.Error("session %s: load config: %v", session, err)
		return
	}

	t := transport.New()
	t.SetDialTimeout(cfg.Transport.DialTimeout)

	if err = t.Connect(host); err != nil {
		logging.Error("session %s: connect %s: %v", session, host, err)
		return
	}

	defer func() { _ = t.Disconnect() }()

	if err = secure(t, cfg, host, username, password); err != nil {
		logging.Error("session %s: secure: %v", session, err)
		return
	}

	logging.Info("session %s: transport ready for %s", session, host)

	bridge(session, wsConn, t)
}

// secure upgrades the transport to TLS and, when configured, runs NLA.
func secure(t *transport.Transport, cfg *config.Config, host, username, password string) error {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.Security.SkipTLSValidation,
		MinVersion:         minTLSVersion(cfg.Security.MinTLSVersion),
		MaxVersion:         tls.VersionTLS12, // RDP servers do not speak 1.3
		ServerName:         serverName(cfg, host),
	}

	if err := t.UpgradeToTLS(tlsCfg); err != nil {
		return err
	}

	if !cfg.Security.UseNLA || username == "" {
		return nil
	}

	return t.NegotiateNLA(auth.NewCredSSP(username, password))
}

// messageSocket is the websocket surface the bridge needs; satisfied by
// *websocket.Conn.
type messageSocket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
}

// bridge pumps PDUs both ways until either side goes away. The transport
// has no internal locking, so every transport call stays on this
// goroutine: the websocket reader only queues browser messages, and the
// poll loop below drains the queue between polls.
func bridge(session string, sock messageSocket, t *transport.Transport) {
	t.SetBlocking(false)
	t.RegisterDispatch(func(pdu *buffer.Stream) error {
		return sock.WriteMessage(websocket.BinaryMessage, pdu.Bytes())
	})

	outbound := make(chan []byte, 16)
	done := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)

	go func() {
		defer close(done)

		for {
			kind, data, err := sock.ReadMessage()
			if err != nil {
				return
			}

			if kind != websocket.BinaryMessage {
				continue
			}

			select {
			case outbound <- data:
			case <-quit:
				return
			}
		}
	}()

	for {
		select {
		case data := <-outbound:
			if err := writeMessage(t, data); err != nil {
				logging.Warn("session %s: write: %v", session, err)
				return
			}

			continue
		default:
		}

		select {
		case <-done:
			return
		default:
		}

		if _, err := t.PollOnce(); err != nil {
			if !errors.Is(err, transport.ErrPeerClosed) {
				logging.Warn("session %s: poll: %v", session, err)
			}

			return
		}
	}
}

func writeMessage(t *transport.Transport, data []byte) error {
	s, err := t.SendStreamInit(len(data))
	if err != nil {
		return err
	}

	if err = s.Append(data); err != nil {
		return err
	}

	_, err = t.WritePDU(s)

	return err
}

func minTLSVersion(version string) uint16 {
	switch version {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

func serverName(cfg *config.Config, host string) string {
	if cfg.Security.TLSServerName != "" {
		return cfg.Security.TLSServerName
	}

	if idx := strings.Index(host, ":"); idx != -1 {
		return host[:idx]
	}

	return host
}

func isAllowedOrigin(origin string) bool {
	if origin == "" {
		return true
	}

	cfg, err := config.Load()
	if err != nil || len(cfg.Security.AllowedOrigins) == 0 {
		return true
	}

	for _, allowed := range cfg.Security.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}

	return false
}
