package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/chatrelay/internal/auth"
	"github.com/pliu/chatrelay/internal/logger"
	"github.com/pliu/chatrelay/internal/metrics"
	"github.com/pliu/chatrelay/internal/store"
	"golang.org/x/time/rate"
)

// Notifier delivers conversation invitations out of band, e.g. by email.
type Notifier interface {
	SendConversationInvite(to, inviter, name string) error
}

type Options struct {
	AllowedOrigins []string
	AuthTimeout    time.Duration
	PingInterval   time.Duration
	SweepInterval  time.Duration
	IdleTimeout    time.Duration
	HistoryLimit   int
	SendBuffer     int
	MaxFrameBytes  int64
	StoreTimeout   time.Duration
	RateLimit      rate.Limit
	RateBurst      int

	// Tokens verifies the token carried by auth frames. When nil the
	// asserted identity is trusted.
	Tokens *auth.Signer
	// Notifier is invoked for participants who are offline when a
	// conversation is created. Optional.
	Notifier Notifier

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 64 << 10
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 10 * time.Second
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 40
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(nil)
	}
}

// Hub owns the connection registry and the room router. All registry and
// router state is guarded by mu; register/unregister and the liveness
// timers are processed by Run.
type Hub struct {
	store    store.Store
	opts     Options
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu sync.RWMutex
	// Registered clients.
	clients map[string]*Client
	// Authenticated clients by identity.
	identities map[string]map[string]*Client
	// Joined clients by conversation.
	rooms map[string]map[string]*Client

	seqMu    sync.Mutex
	seqLocks map[string]*roomLock

	// Register requests from the clients.
	register chan *Client
	// Unregister requests from clients.
	unregister chan *Client
	done       chan struct{}

	stats struct {
		totalConnections atomic.Int64
		framesReceived   atomic.Int64
		framesSent       atomic.Int64
		chatMessages     atomic.Int64
	}
}

func NewHub(store store.Store, opts Options) *Hub {
	opts.setDefaults()
	h := &Hub{
		store:      store,
		opts:       opts,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		clients:    make(map[string]*Client),
		identities: make(map[string]map[string]*Client),
		rooms:      make(map[string]map[string]*Client),
		seqLocks:   make(map[string]*roomLock),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin accepts requests without an Origin header and requests whose
// origin is on the allow-list. Rejected upgrades get a 403.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	h.log.Warn("rejected upgrade", "origin", origin, "remote", r.RemoteAddr)
	return false
}

// Run processes registrations and liveness until ctx is cancelled, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(h.opts.PingInterval)
	sweep := time.NewTicker(h.opts.SweepInterval)
	defer ping.Stop()
	defer sweep.Stop()

	for {
		select {
		case client := <-h.register:
			h.add(client)
		case client := <-h.unregister:
			h.remove(client)
		case <-ping.C:
			h.pingClients()
		case now := <-sweep.C:
			h.evictIdle(now)
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.stats.totalConnections.Add(1)
	h.metrics.ConnectionsTotal.Inc()
	h.metrics.ConnectionsCurrent.Inc()
}

// remove drops c from the registry, its identity index and its room in one
// critical section, then closes it. Safe to call more than once.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, registered := h.clients[c.id]
	delete(h.clients, c.id)
	if c.email != "" {
		if set := h.identities[c.email]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.identities, c.email)
			}
		}
	}
	h.leaveLocked(c)
	h.mu.Unlock()

	if registered {
		h.metrics.ConnectionsCurrent.Dec()
		h.log.Debug("client disconnected", "conn", c.id)
	}
	c.close()
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.identities = make(map[string]map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
	h.mu.Unlock()

	close(h.done)
	for _, c := range clients {
		c.close()
		h.metrics.ConnectionsCurrent.Dec()
	}
	h.log.Info("hub shut down", "closed", len(clients))
}

func (h *Hub) pingClients() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.requestPing()
	}
}

func (h *Hub) evictIdle(now time.Time) {
	var idle []*Client
	h.mu.RLock()
	for _, c := range h.clients {
		if now.Sub(c.lastSeenAt()) > h.opts.IdleTimeout {
			idle = append(idle, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range idle {
		h.log.Info("removing idle client", "conn", c.id)
		h.remove(c)
	}
}

// authenticate binds an identity to c.
func (h *Hub) authenticate(c *Client, email, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.email = email
	c.name = name
	set := h.identities[email]
	if set == nil {
		set = make(map[string]*Client)
		h.identities[email] = set
	}
	set[c.id] = c
}

// isOnline reports whether email has at least one authenticated connection.
func (h *Hub) isOnline(email string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.identities[email]) > 0
}

// join moves c into the room of conversationID, leaving its previous room.
// Joining the room c is already in is a no-op.
func (h *Hub) join(c *Client, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.room == conversationID {
		return
	}
	h.leaveLocked(c)
	members := h.rooms[conversationID]
	if members == nil {
		members = make(map[string]*Client)
		h.rooms[conversationID] = members
	}
	members[c.id] = c
	c.room = conversationID
}

func (h *Hub) leave(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(c)
}

func (h *Hub) leaveLocked(c *Client) {
	if c.room == "" {
		return
	}
	if members, ok := h.rooms[c.room]; ok {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.rooms, c.room)
		}
	}
	c.room = ""
}

// roomMembers returns the clients currently joined to conversationID.
func (h *Hub) roomMembers(conversationID string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[conversationID]
	out := make([]*Client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// broadcast queues frame on every client in the room except skip. Slow
// clients are disconnected rather than blocking the caller.
func (h *Hub) broadcast(conversationID string, frame []byte, skip *Client) {
	for _, c := range h.roomMembers(conversationID) {
		if c == skip {
			continue
		}
		c.enqueue(frame)
	}
}

// sendToUsers queues frame on every authenticated connection of the given
// identities except skip.
func (h *Hub) sendToUsers(emails []string, frame []byte, skip *Client) {
	var targets []*Client
	h.mu.RLock()
	for _, email := range emails {
		for _, c := range h.identities[email] {
			if c != skip {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// lockRoom serializes store-then-broadcast sequences per conversation so
// that broadcast order matches persisted order. Other rooms are unaffected.
func (h *Hub) lockRoom(conversationID string) (unlock func()) {
	h.seqMu.Lock()
	l := h.seqLocks[conversationID]
	if l == nil {
		l = &roomLock{}
		h.seqLocks[conversationID] = l
	}
	l.refs++
	h.seqMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.seqMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.seqLocks, conversationID)
		}
		h.seqMu.Unlock()
	}
}

type Stats struct {
	TotalConnections    int64 `json:"totalConnections"`
	CurrentConnections  int   `json:"currentConnections"`
	MessagesReceived    int64 `json:"messagesReceived"`
	MessagesSent        int64 `json:"messagesSent"`
	ChatMessagesSent    int64 `json:"chatMessagesSent"`
	ActiveConversations int   `json:"activeConversations"`
	OnlineUsers         int   `json:"onlineUsers"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		TotalConnections:    h.stats.totalConnections.Load(),
		CurrentConnections:  len(h.clients),
		MessagesReceived:    h.stats.framesReceived.Load(),
		MessagesSent:        h.stats.framesSent.Load(),
		ChatMessagesSent:    h.stats.chatMessages.Load(),
		ActiveConversations: len(h.rooms),
		OnlineUsers:         len(h.identities),
	}
}
