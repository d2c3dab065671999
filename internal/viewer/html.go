package viewer

// indexHTML is the single-page viewer UI. It shows the annotated
// MJPEG stream, listens to detection events over SSE, and drives the
// freeze/resume/save/switch endpoints. Geometry for the stream box
// comes from /api/viewport and is re-queried on window resize.
const indexHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Live Object Detection Viewer</title>
<style>
  :root { --accent: #10dc60; --bg: #14141a; --panel: #1e1e26; --text: #e8e8ee; }
  body { margin: 0; font-family: system-ui, sans-serif; background: var(--bg); color: var(--text); }
  header { padding: 12px 20px; background: var(--panel); font-size: 18px; font-weight: 600; }
  #container { display: flex; flex-direction: column; align-items: center; padding: 16px; gap: 12px; }
  #view { background: #000; }
  #controls button {
    margin: 0 4px; padding: 8px 18px; border: 0; border-radius: 4px;
    background: var(--accent); color: #10141a; font-weight: 600; cursor: pointer;
  }
  #controls button:disabled { opacity: 0.4; cursor: default; }
  #error { color: #ff5c5c; min-height: 1.2em; }
  #detections { font-family: monospace; font-size: 13px; white-space: pre; color: #9a9aa8; }
</style>
</head>
<body>
<header>Live Object Detection Viewer</header>
<div id="container">
  <img id="view" src="/stream" alt="camera stream">
  <div id="controls">
    <button id="freeze">Freeze</button>
    <button id="resume" disabled>Resume</button>
    <button id="save" disabled>Save</button>
    <button id="switch">Switch Camera</button>
  </div>
  <div id="error"></div>
  <div id="detections"></div>
</div>
<script>
const view = document.getElementById('view');
const freezeBtn = document.getElementById('freeze');
const resumeBtn = document.getElementById('resume');
const saveBtn = document.getElementById('save');
const switchBtn = document.getElementById('switch');
const errorBox = document.getElementById('error');
const detBox = document.getElementById('detections');
let facing = 'rear';

function setFrozen(frozen) {
  freezeBtn.disabled = frozen;
  resumeBtn.disabled = !frozen;
  saveBtn.disabled = !frozen;
}

async function fitView() {
  const c = document.getElementById('container');
  const q = 'container_width=' + c.clientWidth + '&container_height=' + Math.max(c.clientHeight, 480);
  const resp = await fetch('/api/viewport?' + q);
  if (!resp.ok) return;
  const geom = await resp.json();
  view.style.width = geom.display_size.width + 'px';
  view.style.height = geom.display_size.height + 'px';
}

freezeBtn.onclick = async () => {
  const resp = await fetch('/api/freeze', {method: 'POST'});
  if (resp.ok) setFrozen(true);
};
resumeBtn.onclick = async () => {
  await fetch('/api/resume', {method: 'POST'});
  setFrozen(false);
};
saveBtn.onclick = async () => {
  await fetch('/api/save', {method: 'POST'});
  window.location.assign('/capture/image');
  setTimeout(() => window.location.assign('/capture/record'), 300);
};
switchBtn.onclick = async () => {
  facing = facing === 'rear' ? 'front' : 'rear';
  await fetch('/api/camera/switch', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({facing: facing}),
  });
  fitView();
};

const events = new EventSource('/api/detections/stream');
events.onmessage = (ev) => {
  const data = JSON.parse(ev.data);
  detBox.textContent = data.detections.map(d =>
    d.class + ' ' + Math.round(d.score * 100) + '% [' +
    d.bbox.x + ',' + d.bbox.y + ',' + d.bbox.w + ',' + d.bbox.h + ']'
  ).join('\n');
};

async function pollStatus() {
  const resp = await fetch('/api/status');
  if (resp.ok) {
    const status = await resp.json();
    errorBox.textContent = status.error || '';
    setFrozen(status.mode === 'frozen');
  }
}
setInterval(pollStatus, 2000);
window.addEventListener('resize', fitView);
pollStatus();
fitView();
</script>
</body>
</html>
`
