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
  <title>thrivesync</title>
  <style>
    :root { --ink: #102223; --paper: #f8f4ea; --card: #fffdf9; --line: #d7cbb3; --accent: #1f9d88; --danger: #c2483f; }
    body { margin: 0; font-family: ui-sans-serif, system-ui, sans-serif; background: var(--paper); color: var(--ink); }
    main { max-width: 760px; margin: 2rem auto; padding: 0 1rem; }
    section { background: var(--card); border: 1px solid var(--line); border-radius: 12px; padding: 1rem; margin-bottom: 1rem; }
    .online { color: var(--accent); } .offline { color: var(--danger); }
    table { width: 100%; border-collapse: collapse; } td, th { text-align: left; padding: .25rem; border-bottom: 1px solid var(--line); }
    input { width: 100%; box-sizing: border-box; }
  </style>
</head>
<body>
<main>
  <h1>thrivesync</h1>
  <section>
    <input id="token" placeholder="bearer token (optional)" />
    <p>Connection: <strong id="state">-</strong> &middot; Pending: <strong id="pending">-</strong> &middot; Cache: <span id="cache">-</span></p>
    <button id="sync">Sync now</button>
  </section>
  <section>
    <h2>Queued actions</h2>
    <table><thead><tr><th>id</th><th>kind</th><th>created</th><th>attempts</th></tr></thead><tbody id="actions"></tbody></table>
  </section>
</main>
<script>
  (() => {
    const $ = (id) => document.getElementById(id);
    $("token").value = window.localStorage.getItem("thrivesync_dashboard_token") || "";
    const headers = () => {
      const token = $("token").value.trim();
      window.localStorage.setItem("thrivesync_dashboard_token", token);
      return token ? { Authorization: "Bearer " + token } : {};
    };
    const refresh = async () => {
      const status = await (await fetch("/v1/status", { headers: headers() })).json();
      const actions = await (await fetch("/v1/actions", { headers: headers() })).json();
      const sync = status.sync || {};
      $("state").textContent = sync.online ? "online" : "offline";
      $("state").className = sync.online ? "online" : "offline";
      $("pending").textContent = sync.pending ?? "-";
      $("cache").textContent = status.cache ? status.cache.version : "-";
      const attempts = sync.attempts || {};
      $("actions").innerHTML = "";
      for (const a of actions.items || []) {
        const row = document.createElement("tr");
        for (const v of [a.id, a.kind, a.createdAt, (attempts[a.id] || {}).attempts || 0]) {
          const cell = document.createElement("td");
          cell.textContent = v;
          row.appendChild(cell);
        }
        $("actions").appendChild(row);
      }
    };
    $("sync").addEventListener("click", async () => {
      await fetch("/v1/sync", { method: "POST", headers: headers() });
      refresh();
    });
    $("token").addEventListener("change", refresh);
    refresh();
    setInterval(refresh, 5000);
  })();
</script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
