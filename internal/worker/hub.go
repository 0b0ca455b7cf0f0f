package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Registry resolves a worker id presented on the capture channel.
type Registry interface {
	Lookup(id string) (*Worker, bool)
}

// Hub accepts capture connections at CapturePath. A plain GET serves the
// browser capture page; a WebSocket upgrade binds the channel to the worker
// named by the id query parameter.
type Hub struct {
	registry Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader

	// OnMessage, if set, observes every inbound message.
	OnMessage func(w *Worker, msg Message)
}

// NewHub creates a hub bound to a registry.
func NewHub(registry Registry, logger *slog.Logger) *Hub {
	return &Hub{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Hub) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	wk, ok := h.registry.Lookup(id)
	if !ok {
		h.logger.Debug("capture_unknown_worker", "id", id)
		http.Error(rw, "unknown worker", http.StatusNotFound)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		rw.Header().Set("Content-Type", "text/html; charset=utf-8")
		rw.Header().Set("Cache-Control", "no-cache")
		fmt.Fprint(rw, capturePage)
		return
	}

	conn, err := h.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		h.logger.Debug("capture_upgrade_failed", "worker_id", id, "error", err)
		return
	}
	if err := wk.attach(conn); err != nil {
		h.logger.Warn("capture_rejected", "worker_id", id, "error", err)
		_ = conn.Close()
		return
	}

	h.logger.Debug("worker_capturing", "worker_id", id, "remote", r.RemoteAddr)
	h.readLoop(wk, conn)
}

func (h *Hub) readLoop(wk *Worker, conn *websocket.Conn) {
	var cause error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		wk.Touch()

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("capture_bad_message", "worker_id", wk.ID(), "error", err)
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(wk, msg)
		}
		h.handle(wk, msg)
	}

	if !wk.State().IsTerminal() {
		h.logger.Warn("worker_disconnected", "worker_id", wk.ID(), "name", wk.Name(), "error", cause)
		wk.Terminate(StateDisconnected, fmt.Errorf("%w: %v", ErrDisconnected, cause))
	}
	_ = conn.Close()
}

func (h *Hub) handle(wk *Worker, msg Message) {
	switch msg.Type {
	case MsgRegister:
		if err := wk.register(msg.UserAgent); err != nil {
			h.logger.Warn("worker_register_rejected", "worker_id", wk.ID(), "error", err)
			return
		}
		h.logger.Info("worker_captured", "worker_id", wk.ID(), "name", wk.Name(), "user_agent", msg.UserAgent)
		err := wk.Send(Message{Type: MsgWelcome, WorkerID: wk.ID(), Version: ProtocolVersion})
		if err != nil && !errors.Is(err, ErrDisconnected) {
			h.logger.Debug("welcome_write_failed", "worker_id", wk.ID(), "error", err)
		}

	case MsgHeartbeat:

	default:
		if !msg.routed() {
			h.logger.Debug("capture_unknown_message", "worker_id", wk.ID(), "type", msg.Type)
			return
		}
		if !wk.deliver(msg) {
			h.logger.Debug("stale_run_message", "worker_id", wk.ID(), "run", msg.RunID, "type", msg.Type)
		}
	}
}

// capturePage is loaded by browser workers. Test adapters report through
// window.__testSwarm.result({file, suite, name, outcome, duration, messages}).
const capturePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>test-swarm capture</title></head>
<body>
<script>
(function () {
  var id = new URLSearchParams(location.search).get("id");
  var proto = location.protocol === "https:" ? "wss://" : "ws://";
  var ws = new WebSocket(proto + location.host + "/capture?id=" + encodeURIComponent(id));
  var run = null;
  var current = null;
  function send(m) { ws.send(JSON.stringify(m)); }
  window.__testSwarm = {
    result: function (r) {
      if (!r.file) { r.file = current; }
      send({type: "result", run: run, result: r});
    },
    error: function (message, file) {
      send({type: "error", run: run, message: String(message), file: file || current});
    },
    log: function (message) { send({type: "log", run: run, message: String(message)}); }
  };
  function load(base, src) {
    return new Promise(function (resolve) {
      current = src;
      var s = document.createElement("script");
      s.src = src;
      s.onload = resolve;
      s.onerror = function () { window.__testSwarm.error("failed to load " + src, src); resolve(); };
      document.body.appendChild(s);
    });
  }
  ws.onopen = function () {
    send({type: "register", id: id, name: id, userAgent: navigator.userAgent});
    setInterval(function () { send({type: "heartbeat"}); }, 10000);
  };
  ws.onmessage = async function (e) {
    var m = JSON.parse(e.data);
    if (m.type !== "execute") { return; }
    run = m.run;
    for (var i = 0; i < m.files.length; i++) { await load(m.base, m.files[i]); }
    send({type: "complete", run: run});
  };
})();
</script>
</body>
</html>
`
