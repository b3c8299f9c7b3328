package server

const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Chat with your PDF</title>
<style>
body { font-family: sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; }
#log .q { font-weight: bold; margin-top: 1rem; }
#log .a { margin: .25rem 0 1rem; }
#log .err { color: #b00; }
details { font-size: .85rem; color: #555; }
input[type=text] { width: 75%; }
</style>
</head>
<body>
<h1>Chat with your PDF</h1>
<form id="upload">
  <input type="file" name="file" accept="application/pdf,.pdf" required>
  <button type="submit">Upload</button>
</form>
<p id="status"></p>
<div id="log"></div>
<form id="ask" hidden>
  <input type="text" name="question" placeholder="Ask something about the document" autocomplete="off" required>
  <button type="submit">Ask</button>
  <button type="button" id="end">End session</button>
</form>
<script>
let session = null;
const status = document.getElementById('status');
const log = document.getElementById('log');
const ask = document.getElementById('ask');

function add(cls, html) {
  const div = document.createElement('div');
  div.className = cls;
  div.innerHTML = html;
  log.appendChild(div);
  return div;
}

function text(s) {
  const d = document.createElement('div');
  d.textContent = s;
  return d.innerHTML;
}

document.getElementById('upload').addEventListener('submit', async (e) => {
  e.preventDefault();
  status.textContent = 'Indexing...';
  const res = await fetch('/api/sessions', { method: 'POST', body: new FormData(e.target) });
  const body = await res.json();
  if (!res.ok) {
    status.textContent = body.error;
    return;
  }
  session = body.session_id;
  log.innerHTML = '';
  status.textContent = body.document + ' added to the knowledge base (' + body.chunks_added + ' new chunks).';
  ask.hidden = false;
});

ask.addEventListener('submit', async (e) => {
  e.preventDefault();
  const q = e.target.question.value;
  e.target.question.value = '';
  add('q', text(q));
  const pending = add('a', '...');
  const res = await fetch('/api/sessions/' + session + '/questions', {
    method: 'POST',
    headers: { 'Content-Type': 'application/json' },
    body: JSON.stringify({ question: q }),
  });
  const body = await res.json();
  if (!res.ok) {
    pending.className = 'a err';
    pending.textContent = body.error;
    return;
  }
  let sources = body.evidence.map(ev => '<li>' + text(ev.source) + ' p.' + ev.page + ' (' + ev.score.toFixed(3) + ')</li>').join('');
  pending.innerHTML = body.answer_html + (sources ? '<details><summary>Sources</summary><ul>' + sources + '</ul></details>' : '');
});

document.getElementById('end').addEventListener('click', async () => {
  await fetch('/api/sessions/' + session, { method: 'DELETE' });
  session = null;
  ask.hidden = true;
  status.textContent = 'Session ended.';
});
</script>
</body>
</html>
`
