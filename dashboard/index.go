package dashboard

const indexHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>boringbot</title>
<style>
body { font-family: ui-monospace, monospace; margin: 2rem; color: #222; }
table { border-collapse: collapse; margin-bottom: 2rem; }
td, th { border-bottom: 1px solid #ddd; padding: .25rem .75rem; text-align: right; }
th:first-child, td:first-child { text-align: left; }
.up { color: #1a7f37; } .down { color: #cf222e; }
</style>
</head>
<body>
<h1>boringbot</h1>
<div id="summary">loading…</div>
<h2>Purchases</h2>
<table id="purchases"><thead><tr>
<th>id</th><th>status</th><th>created</th><th>usdt</th><th>buy px</th><th>qty</th><th>target</th><th>gap %</th><th>profit</th>
</tr></thead><tbody></tbody></table>
<h2>Events</h2>
<table id="events"><thead><tr><th>id</th><th>time</th><th>type</th><th>payload</th></tr></thead><tbody></tbody></table>
<script>
const fmt = v => v === null || v === undefined ? "" : v;
async function load() {
  const s = await (await fetch("/api/summary")).json();
  const bal = s.balances.map(b => b.asset + " " + b.amount).join(" · ");
  document.getElementById("summary").textContent =
    s.symbol + " | " + bal + " | active " + s.active + " | sold " + s.sold +
    " | profit " + s.profit_usdt_total + " | next due " + fmt(s.next_due_at) +
    " | last run " + fmt(s.last_run_at) + " | last reconcile " + fmt(s.last_reconcile_at);
  const ps = await (await fetch("/api/purchases?limit=50")).json();
  document.querySelector("#purchases tbody").innerHTML = ps.map(p => {
    const gap = p.target_gap ? p.target_gap.pct : "";
    return "<tr><td>" + p.id + "</td><td>" + p.status + "</td><td>" + p.created_at + "</td><td>" +
      p.buy_usdt + "</td><td>" + fmt(p.buy_price) + "</td><td>" + fmt(p.buy_qty) + "</td><td>" +
      fmt(p.sell_price) + "</td><td>" + gap + "</td><td>" + fmt(p.profit_usdt) + "</td></tr>";
  }).join("");
}
function addEvent(ev) {
  const row = document.createElement("tr");
  [ev.id, ev.created_at, ev.type, JSON.stringify(ev.payload)].forEach(v => {
    const td = document.createElement("td");
    td.textContent = v;
    row.appendChild(td);
  });
  const body = document.querySelector("#events tbody");
  body.insertBefore(row, body.firstChild);
  while (body.children.length > 200) body.removeChild(body.lastChild);
}
load();
setInterval(load, 30000);
const stream = new EventSource("/events/stream");
stream.onmessage = e => addEvent(JSON.parse(e.data));
["BUY_CREATED","BUY_ORDER_PLACED","BUY_ORDER_RECOVERED","BUY_FAILED","BUY_FILLED_SELL_PLACED",
 "BUY_FILLED_SELL_FAILED","BUY_QTY_ADJUSTED","SELL_PLACED_RETRY","SOLD","SOLD_PROFIT_PENDING",
 "PROFIT_CONVERT_RETRY","RECONCILE","ERROR","NOTIFY_EMAIL","NOTIFY_EMAIL_ERROR"].forEach(t =>
  stream.addEventListener(t, e => { addEvent(JSON.parse(e.data)); load(); }));
</script>
</body>
</html>
`
