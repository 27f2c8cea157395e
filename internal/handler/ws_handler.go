package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-chat/internal/config"
	"github.com/weiawesome/wes-io-chat/internal/domain"
	"github.com/weiawesome/wes-io-chat/internal/hub"
	"github.com/weiawesome/wes-io-chat/internal/service"
	"github.com/weiawesome/wes-io-chat/pkg/log"
)

type WSHandler struct {
	baseCtx  context.Context
	service  service.ChatService
	wsCfg    config.WebSocketConfig
	upgrader websocket.Upgrader
}

// NewWSHandler serves the chat websocket. Connections are closed when
// baseCtx is done.
func NewWSHandler(baseCtx context.Context, svc service.ChatService, wsCfg config.WebSocketConfig) *WSHandler {
	return &WSHandler{
		baseCtx: baseCtx,
		service: svc,
		wsCfg:   wsCfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(wsCfg.AllowedOrigins),
		},
	}
}

// originChecker allows every origin when allowed is empty or contains "*".
func originChecker(allowed []string) func(r *http.Request) bool {
	hosts := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		hosts[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	if len(hosts) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := hosts[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

func (h *WSHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := log.Ctx(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := hub.NewClient(conn, h.wsCfg, l)
	cl := client.Logger()
	cl.Debug().Msg("websocket connected")

	go client.WritePump()
	go func() {
		select {
		case <-h.baseCtx.Done():
			client.Close()
		case <-client.Done():
		}
	}()
	go func() {
		client.ReadPump(h.handleMessage)
		ctx := log.WithLogger(context.Background(), client.Logger())
		_ = h.service.HandleDisconnect(ctx, client)
	}()
}

func (h *WSHandler) handleMessage(client *hub.Client, message []byte) {
	ctx := log.WithLogger(context.Background(), client.Logger())
	authenticated := client.Session.IsAuthenticated()

	var env domain.Envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
		h.protocolError(client, authenticated, "invalid message format")
		return
	}

	if !authenticated && env.Type != domain.MsgTypeAuth {
		h.protocolError(client, false, "authentication required")
		return
	}

	var err error
	switch env.Type {
	case domain.MsgTypeAuth:
		var req domain.AuthRequest
		if uerr := json.Unmarshal(env.Payload, &req); uerr != nil && !authenticated {
			h.protocolError(client, false, "invalid auth message")
			return
		}
		err = h.service.HandleAuth(ctx, client, req.Token)

	case domain.MsgTypePrivateChat, domain.MsgTypeGroupChat:
		var req domain.SendRequest
		if uerr := json.Unmarshal(env.Payload, &req); uerr != nil {
			h.protocolError(client, true, "invalid "+env.Type+" payload")
			return
		}
		err = h.service.HandleSend(ctx, client, env.Type, req)

	case domain.MsgTypeLogout:
		err = h.service.HandleLogout(ctx, client)

	case domain.MsgTypeUserStatus, domain.MsgTypeError:
		h.protocolError(client, true, env.Type+" is a server-only message type")

	default:
		h.protocolError(client, true, "unknown message type")
	}

	if err != nil {
		l := client.Logger()
		l.Debug().Err(err).Str(log.FieldEventType, env.Type).Msg("message handling failed")
	}
}

// protocolError reports a bad frame. Before authentication it is fatal.
func (h *WSHandler) protocolError(client *hub.Client, authenticated bool, message string) {
	code := domain.CodeValidation
	if !authenticated {
		code = domain.CodeAuth
	}
	if !client.Push(domain.NewErrorFrame(code, message)) || !authenticated {
		client.Close()
	}
}

func (h *WSHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ws", h.HandleWebSocket).Methods(http.MethodGet)
}
