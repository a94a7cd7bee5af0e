// Package stream fans server events out to Server-Sent Events clients.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// Maximum number of concurrent SSE connections allowed
	MaxConcurrentConnections = 1000
	// Buffer size for each client's message channel
	ClientChannelBuffer = 64
	// How often to send keep-alive messages
	KeepAliveInterval = 30 * time.Second
	// How often to cleanup dead connections
	CleanupInterval = 60 * time.Second
	// Buffer size for hub broadcast queue
	HubBroadcastBuffer = 512
)

// Event types published by the relief pipeline.
const (
	EventRun  = "run"
	EventMesh = "mesh"
)

type clientChan chan Message

// Client represents a connected SSE client
type Client struct {
	ID           string
	Channel      clientChan
	LastSeen     int64 // Unix timestamp
	RemoteAddr   string
	UserAgent    string
	Connected    int64 // Unix timestamp when connected
	MessagesSent int64

	// streaming clients belong to a live ServeHTTP call, which removes
	// them when the request ends; stale cleanup skips them.
	streaming bool
}

type Message struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// Stats is a snapshot of hub counters.
type Stats struct {
	ActiveConnections   int64 `json:"active_connections"`
	TotalMessages       int64 `json:"total_messages"`
	MaxConnections      int64 `json:"max_connections"`
	DroppedBroadcasts   int64 `json:"dropped_broadcasts"`
	DroppedClientMsgs   int64 `json:"dropped_client_msgs"`
	RejectedConnections int64 `json:"rejected_connections"`
}

// Hub manages SSE client connections. Broadcast never blocks the caller;
// messages are dropped when the hub or a client queue is full.
type Hub struct {
	clients           sync.Map // map[clientChan]*Client
	activeCount       int64
	totalMessages     int64
	broadcast         chan Message
	droppedBroadcasts int64
	droppedClientMsgs int64
	rejectedConns     int64
	maxConns          int64
	shutdown          chan struct{}
	shutdownOnce      sync.Once
	log               *zap.Logger
}

// NewHub starts a hub with its broadcast and cleanup loops.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		broadcast: make(chan Message, HubBroadcastBuffer),
		maxConns:  MaxConcurrentConnections,
		shutdown:  make(chan struct{}),
		log:       log,
	}
	go h.runBroadcastLoop()
	go h.cleanupRoutine()
	return h
}

func (h *Hub) Stats() Stats {
	return Stats{
		ActiveConnections:   atomic.LoadInt64(&h.activeCount),
		TotalMessages:       atomic.LoadInt64(&h.totalMessages),
		MaxConnections:      h.maxConns,
		DroppedBroadcasts:   atomic.LoadInt64(&h.droppedBroadcasts),
		DroppedClientMsgs:   atomic.LoadInt64(&h.droppedClientMsgs),
		RejectedConnections: atomic.LoadInt64(&h.rejectedConns),
	}
}

// AddClient registers a client channel. It returns false when the hub is
// at capacity.
func (h *Hub) AddClient(c clientChan, remoteAddr, userAgent string) bool {
	return h.addClient(c, remoteAddr, userAgent, false) != nil
}

func (h *Hub) addClient(c clientChan, remoteAddr, userAgent string, streaming bool) *Client {
	if atomic.LoadInt64(&h.activeCount) >= h.maxConns {
		atomic.AddInt64(&h.rejectedConns, 1)
		h.log.Warn("connection limit reached, rejecting client",
			zap.Int64("max", h.maxConns), zap.String("remote", remoteAddr))
		return nil
	}

	now := time.Now()
	client := &Client{
		ID:         fmt.Sprintf("%d-%s", now.UnixNano(), remoteAddr),
		Channel:    c,
		LastSeen:   now.Unix(),
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
		Connected:  now.Unix(),
		streaming:  streaming,
	}
	h.clients.Store(c, client)
	n := atomic.AddInt64(&h.activeCount, 1)

	h.log.Debug("client connected", zap.String("id", client.ID), zap.Int64("total", n))
	return client
}

// RemoveClient drops a client. The channel is left open since the
// broadcast loop may still hold it.
func (h *Hub) RemoveClient(c clientChan) {
	v, ok := h.clients.LoadAndDelete(c)
	if !ok {
		return
	}
	n := atomic.AddInt64(&h.activeCount, -1)
	h.log.Debug("client disconnected", zap.String("id", v.(*Client).ID), zap.Int64("total", n))
}

// Broadcast enqueues a message for fan-out without blocking callers
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		atomic.AddInt64(&h.droppedBroadcasts, 1)
	}
}

// Publish broadcasts v encoded as JSON under the given event type.
func (h *Hub) Publish(eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("failed to encode event", zap.String("type", eventType), zap.Error(err))
		return
	}
	h.Broadcast(Message{Type: eventType, Msg: string(data)})
}

func (h *Hub) runBroadcastLoop() {
	for {
		select {
		case msg := <-h.broadcast:
			h.clients.Range(func(key, value any) bool {
				c := key.(clientChan)
				client := value.(*Client)
				select {
				case c <- msg:
					atomic.StoreInt64(&client.LastSeen, time.Now().Unix())
					atomic.AddInt64(&client.MessagesSent, 1)
					atomic.AddInt64(&h.totalMessages, 1)
				default:
					atomic.AddInt64(&h.droppedClientMsgs, 1)
				}
				return true
			})
		case <-h.shutdown:
			return
		}
	}
}

func (h *Hub) cleanupRoutine() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.cleanupStaleConnections(time.Now())
		case <-h.shutdown:
			return
		}
	}
}

// cleanupStaleConnections removes clients not seen for two cleanup
// intervals. Clients served by ServeHTTP are left to their handler.
func (h *Hub) cleanupStaleConnections(now time.Time) int {
	threshold := now.Unix() - int64(CleanupInterval.Seconds()*2)

	var stale []clientChan
	h.clients.Range(func(key, value any) bool {
		client := value.(*Client)
		if !client.streaming && atomic.LoadInt64(&client.LastSeen) < threshold {
			stale = append(stale, key.(clientChan))
		}
		return true
	})

	if len(stale) > 0 {
		h.log.Info("cleaning up stale connections", zap.Int("count", len(stale)))
		for _, c := range stale {
			h.RemoveClient(c)
		}
	}
	return len(stale)
}

// Shutdown stops the hub loops and disconnects every client.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		close(h.shutdown)
		h.clients.Range(func(key, _ any) bool {
			h.RemoveClient(key.(clientChan))
			return true
		})
		h.log.Info("stream hub shut down")
	})
}

// ServeHTTP handles the SSE endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	messageChan := make(chan Message, ClientChannelBuffer)
	client := h.addClient(messageChan, r.RemoteAddr, r.UserAgent(), true)
	if client == nil {
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}
	defer h.RemoveClient(messageChan)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Del("Content-Encoding")

	keepAlive := time.NewTicker(KeepAliveInterval)
	defer keepAlive.Stop()

	if _, err := io.WriteString(w, "event: connected\ndata: {}\n\n"); err != nil {
		return
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case msg := <-messageChan:
			if _, err := io.WriteString(w, formatSSEResponse(msg)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			atomic.StoreInt64(&client.LastSeen, time.Now().Unix())
		}
	}
}

func formatSSEResponse(msg Message) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", msg.Type, msg.Msg)
}
