package printing

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/ordermaster/printbridge/pkg/plugin"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// hub fans bus events out to websocket clients. A client that cannot keep
// up is disconnected rather than slowing the publisher.
type hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	origins []string
	logger  *zap.Logger
}

type wsClient struct {
	events chan plugin.Event
	once   sync.Once
	done   chan struct{}
}

func (c *wsClient) close() { c.once.Do(func() { close(c.done) }) }

func newHub(origins []string, logger *zap.Logger) *hub {
	return &hub{
		clients: make(map[*wsClient]struct{}),
		origins: origins,
		logger:  logger,
	}
}

// forwarded reports whether a topic is streamed to clients.
func forwarded(topic string) bool {
	return strings.HasPrefix(topic, "printer.") || strings.HasPrefix(topic, "notify.")
}

// broadcast is a plugin.EventHandler for SubscribeAll.
func (h *hub) broadcast(_ context.Context, e plugin.Event) {
	if !forwarded(e.Topic) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.events <- e:
		default:
			h.logger.Warn("websocket client too slow, dropping")
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *hub) add() *wsClient {
	c := &wsClient{events: make(chan plugin.Event, clientBuffer), done: make(chan struct{})}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// closeAll disconnects every client, e.g. on shutdown.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// serve streams events to one client until it goes away.
func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	c := h.add()
	defer h.remove(c)
	h.logger.Debug("websocket client connected", zap.String("remote", r.RemoteAddr))

	// Clients only listen; CloseRead handles control frames and tells us
	// when the peer leaves.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case e := <-c.events:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, e)
			cancel()
			if err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-c.done:
			conn.Close(websocket.StatusGoingAway, "server closing stream")
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleEvents upgrades to a websocket that receives every printer event as
// JSON {topic, source, timestamp, payload}.
func (m *Module) handleEvents(w http.ResponseWriter, r *http.Request) {
	m.hub.serve(w, r)
}
