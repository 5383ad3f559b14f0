// README: Socket endpoint: auth handshake, per-event dispatch, disconnect cleanup.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"presto/internal/auth"
	"presto/internal/modules/dispatch"
	"presto/internal/modules/presence"
	"presto/internal/modules/request"
	"presto/internal/modules/wallet"
	"presto/internal/types"
)

const authWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type Handler struct {
	hub      *Hub
	registry *presence.Registry
	broker   *dispatch.Broker
	requests *request.Service
	wallet   *wallet.Service
	tokens   *auth.Manager
	log      zerolog.Logger
}

func NewHandler(hub *Hub, registry *presence.Registry, broker *dispatch.Broker, requests *request.Service, wallet *wallet.Service, tokens *auth.Manager, log zerolog.Logger) *Handler {
	return &Handler{
		hub:      hub,
		registry: registry,
		broker:   broker,
		requests: requests,
		wallet:   wallet,
		tokens:   tokens,
		log:      log,
	}
}

// Handle upgrades the connection and runs it until the peer goes away.
func (h *Handler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("socket upgrade failed")
		return
	}

	claims, err := h.handshake(conn)
	if err != nil {
		h.log.Warn().Err(err).Msg("socket auth failed")
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","data":{"message":"unauthorized"}}`))
		_ = conn.Close()
		return
	}

	client := newClient(claims.UserID, conn, h.log)
	h.hub.add(client)
	go client.writePump()

	h.log.Info().Str("client_id", client.ID).Msg("socket connected")

	actor := request.Actor{ID: types.ID(claims.UserID)}
	for _, r := range claims.Roles {
		if role, err := request.NormalizeRole(r); err == nil {
			actor.Roles = append(actor.Roles, role)
		}
	}

	h.readLoop(conn, client, actor)

	h.hub.remove(client)
	// Transport drop forces OFFLINE; the registry broadcast and the
	// broker's grace window follow from it.
	h.registry.Disconnect(actor.ID)
	h.log.Info().Str("client_id", client.ID).Msg("socket disconnected")
}

// handshake expects the first frame to carry a valid token.
func (h *Handler) handshake(conn *websocket.Conn) (*auth.Claims, error) {
	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != EventAuth {
		return nil, errors.New("first message must be auth")
	}
	var payload AuthPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, errors.New("malformed auth payload")
	}
	return h.tokens.Validate(payload.Token)
}

func (h *Handler) readLoop(conn *websocket.Conn, client *Client, actor request.Actor) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.sendError(actor.ID, "malformed event")
			continue
		}
		h.dispatchEvent(actor, env)
	}
}

func (h *Handler) dispatchEvent(actor request.Actor, env Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Type {
	case EventProviderJoin:
		var p JoinPayload
		if !h.decode(actor.ID, env.Data, &p) {
			return
		}
		if !h.allowSelf(actor, p.ProviderID) {
			return
		}
		status := presence.Status("")
		if p.Status != "" {
			parsed, err := presence.ParseStatus(p.Status)
			if err != nil {
				h.sendError(actor.ID, err.Error())
				return
			}
			status = parsed
		}
		if _, err := h.registry.Join(p.ProviderID, status); err != nil {
			h.sendError(actor.ID, err.Error())
		}

	case EventProviderSetStatus:
		var p SetStatusPayload
		if !h.decode(actor.ID, env.Data, &p) {
			return
		}
		if !h.allowSelf(actor, p.ProviderID) {
			return
		}
		status, err := presence.ParseStatus(p.Status)
		if err != nil {
			h.sendError(actor.ID, err.Error())
			return
		}
		if _, err := h.registry.SetStatus(p.ProviderID, status); err != nil {
			h.sendError(actor.ID, err.Error())
		}

	case EventProviderLocation:
		var p LocationPayload
		if !h.decode(actor.ID, env.Data, &p) {
			return
		}
		if !h.allowSelf(actor, p.ProviderID) {
			return
		}
		if err := h.registry.UpdateLocation(p.ProviderID, types.Point{Lat: p.Lat, Lng: p.Lng}); err != nil {
			h.sendError(actor.ID, err.Error())
		}

	case EventNewRequest:
		var p NewRequestPayload
		if !h.decode(actor.ID, env.Data, &p) {
			return
		}
		r, err := h.requests.Get(ctx, p.RequestID)
		if err != nil {
			h.sendError(actor.ID, "request not found")
			return
		}
		if p.ProviderID != nil {
			err = h.broker.DirectOffer(ctx, r, *p.ProviderID)
		} else {
			err = h.broker.Dispatch(ctx, r)
		}
		if err != nil {
			h.sendError(actor.ID, err.Error())
		}

	case EventRequestAccept:
		var p AcceptPayload
		if !h.decode(actor.ID, env.Data, &p) {
			return
		}
		r, err := h.broker.Accept(ctx, actor.ID, p.RequestID)
		if err != nil {
			if errors.Is(err, request.ErrStaleTransition) {
				h.hub.NotifyTaken(actor.ID, p.RequestID)
				return
			}
			h.sendError(actor.ID, err.Error())
			return
		}
		h.hub.SendTo(actor.ID, EventRequestAccepted, AcceptedPayload{
			RequestID: r.ID,
			Status:    string(r.Status),
		})

	case EventMessageSend:
		var p MessagePayload
		if !h.decode(actor.ID, env.Data, &p) {
			return
		}
		p.From = actor.ID
		h.hub.SendTo(p.To, EventMessageReceive, p)

	case EventWalletCredit, EventWalletDebit:
		var p WalletOpPayload
		if !h.decode(actor.ID, env.Data, &p) {
			return
		}
		if !h.allowSelf(actor, p.ProviderID) {
			return
		}
		var balance types.Money
		var err error
		if env.Type == EventWalletCredit {
			balance, err = h.wallet.Credit(ctx, p.ProviderID, p.Amount, nil, "socket credit")
		} else {
			balance, err = h.wallet.Debit(ctx, p.ProviderID, p.Amount, nil, "socket debit")
		}
		if err != nil {
			payload := WalletErrorPayload{Message: err.Error()}
			if errors.Is(err, wallet.ErrInsufficientFunds) {
				if cur, balErr := h.wallet.Balance(ctx, p.ProviderID); balErr == nil {
					payload.Balance = &cur.Amount
				}
			}
			h.hub.SendTo(actor.ID, EventWalletError, payload)
			return
		}
		h.hub.SendTo(actor.ID, EventWalletUpdate, WalletUpdatePayload{
			Balance:  balance.Amount,
			Currency: balance.Currency,
		})

	default:
		h.sendError(actor.ID, "unknown event type "+env.Type)
	}
}

func (h *Handler) decode(to types.ID, data json.RawMessage, out any) bool {
	if err := json.Unmarshal(data, out); err != nil {
		h.sendError(to, "malformed payload")
		return false
	}
	return true
}

// allowSelf admits the actor operating on its own presence, or an admin
// operating on anyone's.
func (h *Handler) allowSelf(actor request.Actor, providerID types.ID) bool {
	if actor.IsAdmin() || actor.ID == providerID {
		return true
	}
	h.sendError(actor.ID, "forbidden")
	return false
}

func (h *Handler) sendError(to types.ID, message string) {
	h.hub.SendTo(to, EventError, ErrorPayload{Message: message})
}
