package viewer

import (
	"fmt"
	"net/http"
)

// Minimal self-contained viewer page. It speaks the typed JSON protocol:
// data frames append to the screen, status frames show the session result,
// and keystrokes go back as data frames.
const viewPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>termbridge session %[1]s</title>
<style>
  body { background: #111; color: #ddd; font-family: monospace; margin: 0; }
  #bar { padding: 6px 10px; background: #222; font-size: 13px; }
  #screen { padding: 10px; white-space: pre-wrap; word-break: break-all; }
  .ended { color: #f90; }
</style>
</head>
<body>
<div id="bar">session %[1]s <span id="state">connecting...</span></div>
<div id="screen"></div>
<script>
const sessionId = %[1]q;
const params = new URLSearchParams(window.location.search);
const token = params.get("token");
let url = (location.protocol === "https:" ? "wss://" : "ws://") +
  location.host + "/ws/terminal/" + sessionId;
if (token) url += "?token=" + encodeURIComponent(token);

const screen = document.getElementById("screen");
const state = document.getElementById("state");
const ws = new WebSocket(url);

ws.onopen = () => { state.textContent = "live"; };
ws.onmessage = (ev) => {
  const msg = JSON.parse(ev.data);
  if (msg.type === "data") {
    screen.textContent += msg.data.replace(/\x1b\[[0-9;?]*[a-zA-Z]/g, "");
    window.scrollTo(0, document.body.scrollHeight);
  } else if (msg.type === "status") {
    state.textContent = msg.status;
    state.className = "ended";
  }
};
ws.onclose = (ev) => {
  if (state.className !== "ended") {
    state.textContent = "disconnected (" + ev.code + ")";
    state.className = "ended";
  }
};

document.addEventListener("keydown", (ev) => {
  if (ws.readyState !== WebSocket.OPEN) return;
  let data = null;
  if (ev.key === "Enter") data = "\r";
  else if (ev.key === "Backspace") data = "\x7f";
  else if (ev.key === "Tab") { data = "\t"; ev.preventDefault(); }
  else if (ev.key.length === 1 && !ev.ctrlKey && !ev.metaKey) data = ev.key;
  else if (ev.ctrlKey && ev.key.length === 1)
    data = String.fromCharCode(ev.key.toUpperCase().charCodeAt(0) - 64);
  if (data !== null) {
    ws.send(JSON.stringify({type: "data", sessionId: sessionId, data: data,
      timestamp: Date.now()}));
  }
});
</script>
</body>
</html>`

func (s *Service) handleViewPage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.HasSession(id) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, viewPage, id)
}
