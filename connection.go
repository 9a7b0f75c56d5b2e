package main

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one transport channel. It may carry an attached identity
// (nil means anonymous) and at most one attached room. Both attachments
// are touched only from the client's own read loop, so they need no lock.
type Client struct {
	conn    *websocket.Conn
	send    chan Envelope
	limiter *rate.Limiter

	user *UserView
	room *Room
}

func newClient(conn *websocket.Conn, user *UserView) *Client {
	return &Client{
		conn: conn,
		send: make(chan Envelope, 32),
		// Submissions and joins arrive at human speed; anything faster
		// than this is a misbehaving client.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		user:    user,
	}
}

func (c *Client) authenticated() bool {
	return c.user != nil
}

// serveWS is the websocket endpoint. Identity resolution never blocks the
// connection: a missing or invalid session credential degrades to an
// anonymous client, logged but not surfaced.
func (srv *server) serveWS() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		user := srv.attachIdentity(r)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			srv.log.Debug().Err(err).Str("ip", realIP(r)).Msg("websocket upgrade failed")
			return
		}

		client := newClient(conn, user)
		srv.hub.register(client)

		if user != nil {
			srv.log.Debug().Str("user", user.Name).Str("ip", realIP(r)).Msg("client connected")
		} else {
			srv.log.Debug().Str("ip", realIP(r)).Msg("anonymous client connected")
		}

		// Every new connection gets the lobby before anything else.
		srv.hub.ToClient(client, envelope(EventRoomList, srv.rooms.snapshot()))

		go client.writePump()
		client.readPump(srv)
	}
}

// attachIdentity resolves the request's session credential to a user, or
// leaves the connection anonymous.
func (srv *server) attachIdentity(r *http.Request) *UserView {
	token := bearerToken(r)
	if token == "" {
		return nil
	}

	userID, err := srv.sessions.verify(token)
	if err != nil {
		srv.log.Debug().Err(err).Str("ip", realIP(r)).Msg("invalid session token, continuing anonymously")
		return nil
	}

	user, err := srv.users.UserByID(r.Context(), userID)
	if err != nil {
		srv.log.Warn().Err(err).Str("userId", userID).Msg("session user lookup failed, continuing anonymously")
		return nil
	}

	view := user.View()
	return &view
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
		return auth[7:]
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie(sessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

func (c *Client) readPump(srv *server) {
	defer func() {
		srv.handleDisconnect(c)
		srv.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}

		if !c.limiter.Allow() {
			srv.log.Warn().Msg("client exceeded message budget, dropping connection")
			return
		}

		srv.handleEvent(c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
