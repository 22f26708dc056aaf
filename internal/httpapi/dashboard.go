package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>calsyncd</title>
  <style>
    body {
      margin: 0;
      font-family: "Segoe UI", "Avenir Next", sans-serif;
      color: #102223;
      background: #f8f4ea;
      padding: 24px;
    }
    h1 { font-size: 20px; }
    .cards { display: flex; gap: 16px; flex-wrap: wrap; }
    .card {
      background: #fffdf9;
      border: 1px solid #d7cbb3;
      border-radius: 10px;
      padding: 16px 20px;
      min-width: 180px;
    }
    .card .value { font-size: 32px; font-weight: 600; }
    .card .label { color: #6f7d7d; font-size: 13px; text-transform: uppercase; }
    #feed { margin-top: 24px; font-family: monospace; font-size: 13px; white-space: pre-wrap; }
    .muted { color: #6f7d7d; }
  </style>
</head>
<body>
  <h1>calsyncd</h1>
  <div class="cards">
    <div class="card"><div class="value" id="subscribers">-</div><div class="label">stream subscribers</div></div>
    <div class="card"><div class="value" id="synced">0</div><div class="label">syncs observed</div></div>
  </div>
  <div id="feed" class="muted">connecting to /v1/stream ...</div>
  <script>
    (() => {
      const feed = document.getElementById("feed");
      const synced = document.getElementById("synced");
      let count = 0;
      const scheme = location.protocol === "https:" ? "wss" : "ws";
      const socket = new WebSocket(scheme + "://" + location.host + "/v1/stream");
      socket.onopen = () => { feed.textContent = "listening for sync events\n"; };
      socket.onclose = () => { feed.textContent += "stream closed\n"; };
      socket.onmessage = (event) => {
        count++;
        synced.textContent = String(count);
        feed.textContent += event.data + "\n";
      };
      fetch("/v1/status").then(r => r.json()).then(body => {
        document.getElementById("subscribers").textContent = String(body.streamSubscribers);
      }).catch(() => {});
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"streamSubscribers": s.hub.ConnCount(),
	})
}
