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
  <title>catalogd</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 1080px; margin: 0 auto; display: grid; gap: 14px; }

    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: clamp(1.2rem, 2vw, 1.75rem); }
    h2 { margin: 0 0 10px; font-size: 1rem; color: var(--muted); }

    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(180px, 1fr)); gap: 10px; }
    .metric { font-size: 1.6rem; font-weight: 600; }
    .label { color: var(--muted); font-size: 0.85rem; }
    .state-failed, .state-cancelled { color: var(--danger); }
    .state-running, .state-completed { color: var(--accent); }

    input, button {
      font: inherit;
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 8px 10px;
      background: #fff;
    }
    button { cursor: pointer; background: var(--accent); color: #fff; border: none; }

    table { width: 100%; border-collapse: collapse; }
    td, th { text-align: left; padding: 6px 4px; border-bottom: 1px solid var(--line); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>catalogd</h1>
      <div class="label" id="status">loading</div>
    </div>
    <div class="card">
      <h2>Sync</h2>
      <div class="grid">
        <div><div class="label">state</div><div class="metric" id="syncState">-</div></div>
        <div><div class="label">mode</div><div class="metric" id="syncMode">-</div></div>
        <div><div class="label">objects</div><div class="metric" id="syncObjects">0</div></div>
        <div><div class="label">live objects</div><div class="metric" id="live">0</div></div>
        <div><div class="label">tombstones</div><div class="metric" id="tombstones">0</div></div>
        <div><div class="label">webhook queue</div><div class="metric" id="queue">-</div></div>
      </div>
      <div class="label" id="syncError"></div>
    </div>
    <div class="card">
      <h2>Search</h2>
      <input id="term" placeholder="name, SKU or barcode" autocomplete="off" />
      <table>
        <thead><tr><th>name</th><th>sku</th><th>category</th><th>price</th></tr></thead>
        <tbody id="results"></tbody>
      </table>
    </div>
  </div>
  <script>
    (function () {
      const dom = {
        status: document.getElementById("status"),
        syncState: document.getElementById("syncState"),
        syncMode: document.getElementById("syncMode"),
        syncObjects: document.getElementById("syncObjects"),
        syncError: document.getElementById("syncError"),
        live: document.getElementById("live"),
        tombstones: document.getElementById("tombstones"),
        queue: document.getElementById("queue"),
        term: document.getElementById("term"),
        results: document.getElementById("results")
      };

      async function request(path) {
        const response = await fetch(path, { headers: { "X-Correlation-Id": "dash_" + Date.now() } });
        if (!response.ok) {
          throw new Error(path + " returned " + response.status);
        }
        return response.json();
      }

      async function refresh() {
        try {
          const data = await request("/v1/sync/status");
          const run = data.run || {};
          dom.syncState.textContent = run.state || "idle";
          dom.syncState.className = "metric state-" + (run.state || "idle");
          dom.syncMode.textContent = run.mode || "-";
          dom.syncObjects.textContent = run.objectsProcessed || 0;
          dom.syncError.textContent = run.error || "";
          if (data.catalog) {
            dom.live.textContent = data.catalog.live;
            dom.tombstones.textContent = data.catalog.tombstones;
          }
          if (data.webhookQueue) {
            dom.queue.textContent = data.webhookQueue.depth + "/" + data.webhookQueue.capacity;
          }
          dom.status.textContent = "updated " + new Date().toLocaleTimeString();
        } catch (err) {
          dom.status.textContent = err.message;
        }
      }

      let timer = null;
      dom.term.addEventListener("input", function () {
        clearTimeout(timer);
        timer = setTimeout(async function () {
          const term = dom.term.value.trim();
          dom.results.innerHTML = "";
          if (!term) {
            return;
          }
          try {
            const page = await request("/v1/search?q=" + encodeURIComponent(term));
            (page.results || []).forEach(function (r) {
              const row = document.createElement("tr");
              const price = r.price ? (r.price.amount + " " + r.price.currency) : "";
              [r.name, (r.skus || []).join(", "), r.categoryName || "", price].forEach(function (v) {
                const cell = document.createElement("td");
                cell.textContent = v;
                row.appendChild(cell);
              });
              dom.results.appendChild(row);
            });
          } catch (err) {
            dom.status.textContent = err.message;
          }
        }, 250);
      });

      refresh();
      setInterval(refresh, 3000);
    })();
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
