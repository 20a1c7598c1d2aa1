package event

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"deltran/pkg/logger"
)

// upgrader mirrors the teacher's forex handler websocket upgrader
// (internal/handler/forex.go) — origin checking is left to a fronting
// proxy, consistent with the teacher's own "allow all origins for now"
// stance for this kind of demo/streaming endpoint.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bridge exposes the event Bus over a websocket endpoint for local
// subscribers/demos, per SPEC_FULL.md §5.9. It is intentionally thin: no
// auth, no replay buffer beyond what the Bus subscriber channel already
// buffers — a disconnected client simply misses events until it
// reconnects and resubscribes.
type Bridge struct {
	bus *Bus
	log logger.Logger

	mu      sync.Mutex
	nextID  int
}

func NewBridge(bus *Bus, log logger.Logger) *Bridge {
	return &Bridge{bus: bus, log: log}
}

// ServeHTTP upgrades the connection and streams every bus event to the
// client as JSON until the connection closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("event: websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	b.mu.Lock()
	b.nextID++
	name := "ws-" + strconv.Itoa(b.nextID)
	b.mu.Unlock()

	sub := b.bus.Subscribe(name, 64)
	defer b.bus.Unsubscribe(name)

	// Drain client reads so the connection's close is observed even
	// though this endpoint is send-only.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				b.bus.Unsubscribe(name)
				return
			}
		}
	}()

	for ev := range sub.Events() {
		payload, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

