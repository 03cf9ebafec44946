package dev

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kreteshq/huncwot/internal/errors"
	"github.com/kreteshq/huncwot/internal/metrics"
)

// ReloadMessageType represents the type of reload message.
type ReloadMessageType string

const (
	ReloadTypeConnected ReloadMessageType = "connected"
	ReloadTypeFull      ReloadMessageType = "reload"
	ReloadTypeCSS       ReloadMessageType = "css"
	ReloadTypeError     ReloadMessageType = "error"
	ReloadTypeClear     ReloadMessageType = "clear"
)

// ReloadMessage is sent to browsers via WebSocket.
type ReloadMessage struct {
	Type  ReloadMessageType `json:"type"`
	Error string            `json:"error,omitempty"`
	File  string            `json:"file,omitempty"`
}

// ConnState is the state of a live connection.
type ConnState int

const (
	ConnOpen ConnState = iota
	ConnClosing
)

// LiveConnection is one browser connected to the reload channel. Its
// lifetime is independent of the server instance that accepted it.
type LiveConnection struct {
	ID string

	conn    *websocket.Conn
	writeMu sync.Mutex
	state   ConnState
}

// State returns the connection state.
func (c *LiveConnection) State() ConnState {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.state
}

func (c *LiveConnection) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.state == ConnClosing {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// markClosing flips the connection to Closing and reports whether it was
// still open.
func (c *LiveConnection) markClosing() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.state == ConnClosing {
		return false
	}
	c.state = ConnClosing
	return true
}

// ReloadHub is the process-scoped registry of live-reload connections. It is
// mounted on every server instance and survives restarts.
type ReloadHub struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	upgrader     websocket.Upgrader
	writeTimeout time.Duration

	mu       sync.Mutex
	conns    map[string]*LiveConnection
	disposed bool
}

// NewReloadHub creates a hub. Call Init before mounting it.
func NewReloadHub(logger *slog.Logger, m *metrics.Metrics) *ReloadHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReloadHub{
		logger:       logger.With("component", "reload"),
		metrics:      m,
		writeTimeout: 2 * time.Second,
		conns:        make(map[string]*LiveConnection),
		disposed:     true,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in dev
			},
		},
	}
}

// Init opens the hub for connections.
func (h *ReloadHub) Init() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposed = false
}

// Dispose closes every connection and rejects new ones until the next Init.
func (h *ReloadHub) Dispose() {
	h.mu.Lock()
	h.disposed = true
	h.mu.Unlock()
	h.DisconnectAll()
}

// HandleWebSocket upgrades the request and keeps the connection registered
// until the client goes away.
func (h *ReloadHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	disposed := h.disposed
	h.mu.Unlock()
	if disposed {
		http.Error(w, "live reload is not available", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	lc := &LiveConnection{ID: uuid.NewString(), conn: conn}
	h.mu.Lock()
	h.conns[lc.ID] = lc
	count := len(h.conns)
	h.mu.Unlock()
	h.metrics.Clients(count)
	h.logger.Debug("client connected", "id", lc.ID, "clients", count)

	if data, err := json.Marshal(ReloadMessage{Type: ReloadTypeConnected}); err == nil {
		if err := lc.write(data, h.writeTimeout); err != nil {
			h.remove(lc)
			return
		}
	}

	// Keep connection alive until client disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(lc)
}

// remove is the disconnect path for a connection.
func (h *ReloadHub) remove(lc *LiveConnection) {
	lc.markClosing()
	h.mu.Lock()
	_, ok := h.conns[lc.ID]
	delete(h.conns, lc.ID)
	count := len(h.conns)
	h.mu.Unlock()
	lc.conn.Close()
	if ok {
		h.metrics.Clients(count)
		h.logger.Debug("client disconnected", "id", lc.ID, "clients", count)
	}
}

// Broadcast sends msg to every open connection and returns the number of
// successful deliveries. Failed recipients are logged and dropped.
func (h *ReloadHub) Broadcast(msg ReloadMessage) int {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0
	}

	h.mu.Lock()
	conns := make([]*LiveConnection, 0, len(h.conns))
	for _, lc := range h.conns {
		conns = append(conns, lc)
	}
	h.mu.Unlock()

	delivered, failed := 0, 0
	for _, lc := range conns {
		if lc.State() == ConnClosing {
			continue
		}
		if err := lc.write(data, h.writeTimeout); err != nil {
			failed++
			werr := errors.New(errors.CodeTransportWriteFailure).Wrap(err)
			h.logger.Warn("reload message not delivered", "id", lc.ID, "type", msg.Type, "error", werr)
			h.remove(lc)
			continue
		}
		delivered++
	}
	h.metrics.Broadcast(string(msg.Type), delivered, failed)
	return delivered
}

// DisconnectAll closes every connection and returns how many were closed.
func (h *ReloadHub) DisconnectAll() int {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*LiveConnection)
	h.mu.Unlock()

	for _, lc := range conns {
		lc.markClosing()
		lc.writeMu.Lock()
		_ = lc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		lc.writeMu.Unlock()
		lc.conn.Close()
	}
	h.metrics.Clients(0)
	return len(conns)
}

// ClientCount returns the number of connected clients.
func (h *ReloadHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// ClientScript returns the browser script that connects to the hub at path.
func ClientScript(path string) string {
	return strings.ReplaceAll(clientScript, "__RELOAD_PATH__", path)
}

const clientScript = `(function() {
    'use strict';

    var reconnectDelay = 1000;
    var maxReconnectDelay = 30000;
    var ws = null;

    function connect() {
        var protocol = location.protocol === 'https:' ? 'wss:' : 'ws:';
        ws = new WebSocket(protocol + '//' + location.host + '__RELOAD_PATH__');

        ws.onmessage = function(e) {
            var msg;
            try {
                msg = JSON.parse(e.data);
            } catch (err) {
                return;
            }

            switch (msg.type) {
                case 'connected':
                    console.log('[huncwot] Live reload connected');
                    reconnectDelay = 1000;
                    clearErrorOverlay();
                    break;

                case 'reload':
                    location.reload();
                    break;

                case 'css':
                    reloadCSS();
                    break;

                case 'error':
                    console.error('[huncwot] Build error:', msg.error);
                    showErrorOverlay(msg.error);
                    break;

                case 'clear':
                    clearErrorOverlay();
                    break;
            }
        };

        ws.onclose = function() {
            setTimeout(function() {
                reconnectDelay = Math.min(reconnectDelay * 2, maxReconnectDelay);
                connect();
            }, reconnectDelay);
        };

        ws.onerror = function() {
            ws.close();
        };
    }

    function reloadCSS() {
        var links = document.querySelectorAll('link[rel="stylesheet"]');
        links.forEach(function(link) {
            var url = new URL(link.href);
            url.searchParams.set('_reload', Date.now());
            link.href = url.toString();
        });
    }

    function showErrorOverlay(error) {
        clearErrorOverlay();

        var overlay = document.createElement('div');
        overlay.id = 'huncwot-error-overlay';
        overlay.style.cssText = 'position:fixed;top:0;left:0;right:0;bottom:0;background:rgba(0,0,0,0.9);color:#fff;font-family:monospace;font-size:14px;padding:20px;overflow:auto;z-index:999999;';

        var title = document.createElement('h2');
        title.style.cssText = 'color:#ff5555;margin:0 0 20px;';
        title.textContent = 'Build Error';

        var pre = document.createElement('pre');
        pre.style.cssText = 'white-space:pre-wrap;word-wrap:break-word;background:#1a1a1a;padding:20px;border-radius:8px;';
        pre.textContent = error;

        overlay.appendChild(title);
        overlay.appendChild(pre);
        document.body.appendChild(overlay);
    }

    function clearErrorOverlay() {
        var overlay = document.getElementById('huncwot-error-overlay');
        if (overlay) {
            overlay.remove();
        }
    }

    if (document.readyState === 'loading') {
        document.addEventListener('DOMContentLoaded', connect);
    } else {
        connect();
    }
})();
`
