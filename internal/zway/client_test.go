package zway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Test doubles
// =============================================================================

// fakeController emulates the controller's HTTP API.
type fakeController struct {
	mu sync.Mutex

	sid         string
	loginStatus int
	loginDelay  time.Duration
	logins      int

	devices       []map[string]any
	devicesStatus int
	devicesBody   string // raw body, overrides devices when set

	// unauthorized answers this many authenticated calls with 401.
	unauthorized int

	commandStatus int
	commands      []string
	calls         []string
	cookies       []string
}

func newFakeController(t *testing.T) (*fakeController, *httptest.Server) {
	t.Helper()
	f := &fakeController{
		sid:           "sid-1",
		loginStatus:   http.StatusOK,
		devicesStatus: http.StatusOK,
		commandStatus: http.StatusOK,
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serveHTTP))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeController) serveHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.URL.Path == loginPath {
		f.handleLogin(w, r)
		return
	}

	f.mu.Lock()
	f.calls = append(f.calls, r.URL.Path)
	cookie, err := r.Cookie(sessionCookie)
	if err == nil {
		f.cookies = append(f.cookies, cookie.Value)
	}
	if err != nil || cookie.Value != f.sid || f.unauthorized > 0 {
		if f.unauthorized > 0 {
			f.unauthorized--
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Not logged in"}`))
		return
	}

	switch {
	case r.URL.Path == devicesPath:
		status, body := f.devicesStatus, f.devicesBody
		if body == "" {
			raw, _ := json.Marshal(map[string]any{"data": map[string]any{"devices": f.devices}})
			body = string(raw)
		}
		f.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))

	case strings.Contains(r.URL.Path, "/command/"):
		entry := r.URL.Path
		if r.URL.RawQuery != "" {
			entry += "?" + r.URL.RawQuery
		}
		f.commands = append(f.commands, entry)
		status := f.commandStatus
		f.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":200}`))

	default:
		f.mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeController) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	f.logins++
	status, sid, delay := f.loginStatus, f.sid, f.loginDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if req.Login != "admin" || req.Password != "secret" {
		status = http.StatusUnauthorized
	}
	w.WriteHeader(status)
	if status != http.StatusOK {
		_, _ = w.Write([]byte(`{"error":"bad credentials"}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"sid": sid}})
}

func (f *fakeController) setDevices(devices ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

func (f *fakeController) set(fn func(f *fakeController)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeController) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *fakeController) commandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeController) callCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == path {
			n++
		}
	}
	return n
}

func temperatureRecord(level any) map[string]any {
	return map[string]any{
		"id":         "5-1",
		"nodeId":     5,
		"visibility": true,
		"probeType":  "temperature",
		"deviceType": "sensorMultilevel",
		"metrics":    map[string]any{"level": level},
	}
}

// fakeChannel is a PushChannel that records Close.
type fakeChannel struct {
	closed atomic.Int32
}

func (c *fakeChannel) Close() error {
	c.closed.Add(1)
	return nil
}

// fakeDialer hands out fakeChannels and keeps their handlers.
type fakeDialer struct {
	mu       sync.Mutex
	handlers []PushHandler
	channels []*fakeChannel
	err      error

	// gate, when set, holds Dial open until it is closed.
	gate chan struct{}
	// dialing is signalled when Dial starts waiting on gate.
	dialing chan struct{}
}

func (d *fakeDialer) Dial(_ context.Context, h PushHandler) (PushChannel, error) {
	if d.gate != nil {
		d.dialing <- struct{}{}
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ch := &fakeChannel{}
	d.handlers = append(d.handlers, h)
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) handler(i int) PushHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[i]
}

func (d *fakeDialer) channel(i int) *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.channels[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

// events is a copy of what a recordingListener saw.
type events struct {
	logins    int
	devices   []string
	changes   []string
	commands  []string
	responses []int
	errs      []error
	states    []State
}

// recordingListener records every client event.
type recordingListener struct {
	mu sync.Mutex
	ev events
}

func (r *recordingListener) OnLogin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.logins++
}

func (r *recordingListener) OnDevice(d *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.devices = append(r.ev.devices, d.ID())
}

func (r *recordingListener) OnChange(d *Device, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.changes = append(r.ev.changes, d.ID()+"/"+key)
}

func (r *recordingListener) OnCommand(id, command string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.commands = append(r.ev.commands, id+"/"+command)
}

func (r *recordingListener) OnResponse(_ string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.responses = append(r.ev.responses, status)
}

func (r *recordingListener) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.errs = append(r.ev.errs, err)
}

func (r *recordingListener) OnStateChange(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev.states = append(r.ev.states, to)
}

func (r *recordingListener) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ev = events{}
}

func (r *recordingListener) snapshot() events {
	r.mu.Lock()
	defer r.mu.Unlock()
	return events{
		logins:    r.ev.logins,
		devices:   append([]string(nil), r.ev.devices...),
		changes:   append([]string(nil), r.ev.changes...),
		commands:  append([]string(nil), r.ev.commands...),
		responses: append([]int(nil), r.ev.responses...),
		errs:      append([]error(nil), r.ev.errs...),
		states:    append([]State(nil), r.ev.states...),
	}
}

// newTestClient returns a client wired to a fake controller and dialer.
// RetryDelay is long unless the test shortens it, so failures stay visible.
func newTestClient(t *testing.T, srv *httptest.Server, mutate ...func(*Options)) (*Client, *fakeDialer, *recordingListener) {
	t.Helper()
	dialer := &fakeDialer{}
	opts := Options{
		BaseURL:           srv.URL,
		Username:          "admin",
		Password:          "secret",
		PushDialer:        dialer,
		RetryDelay:        time.Hour,
		RefreshInterval:   -1,
		ReconnectInterval: -1,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	c, err := NewClient(opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	rec := &recordingListener{}
	c.AddListener(rec)
	return c, dialer, rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// =============================================================================
// Construction
// =============================================================================

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient(Options{}); err == nil {
		t.Error("NewClient() without host should fail")
	}

	c, err := NewClient(Options{Host: "zway.local"})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if c.opts.BaseURL != "http://zway.local:8083" {
		t.Errorf("BaseURL = %q, want http://zway.local:8083", c.opts.BaseURL)
	}
	ws, ok := c.dialer.(*WebSocketDialer)
	if !ok {
		t.Fatalf("default dialer = %T, want *WebSocketDialer", c.dialer)
	}
	if ws.URL != "ws://zway.local:8083/" {
		t.Errorf("push URL = %q, want ws://zway.local:8083/", ws.URL)
	}
	if c.State() != StateDisconnected {
		t.Errorf("initial State() = %v, want disconnected", c.State())
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateReconnecting, "reconnecting"},
		{StateConnected, "connected"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

// =============================================================================
// Connect and reconciliation
// =============================================================================

func TestClient_ConnectRegistersDevices(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(
		temperatureRecord(21.5),
		map[string]any{"id": "5-2", "nodeId": 5, "visibility": false, "probeType": "battery"},
		map[string]any{"id": "DummyDevice_1", "visibility": true, "deviceType": "switchBinary"},
	)
	c, dialer, rec := newTestClient(t, srv)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	if dialer.dials() != 1 {
		t.Errorf("push dials = %d, want 1", dialer.dials())
	}

	d, ok := c.Device("5")
	if !ok {
		t.Fatal("Device(5) not registered")
	}
	props := d.Properties()
	if len(props) != 1 {
		t.Fatalf("len(Properties()) = %d, want 1", len(props))
	}
	want := Property{Key: "5-1", Name: "temperature", Value: 21.5}
	if props[0] != want {
		t.Errorf("Properties()[0] = %+v, want %+v", props[0], want)
	}
	if got := d.Snapshot(); len(got) != 1 || got["temperature"] != 21.5 {
		t.Errorf("Snapshot() = %v, want map[temperature:21.5]", got)
	}
	if len(c.Devices()) != 1 {
		t.Errorf("len(Devices()) = %d, want 1", len(c.Devices()))
	}

	got := rec.snapshot()
	if len(got.devices) != 1 || got.devices[0] != "5" {
		t.Errorf("device events = %v, want [5]", got.devices)
	}
	if got.logins != 1 {
		t.Errorf("login events = %d, want 1", got.logins)
	}
	if len(got.changes) != 0 {
		t.Errorf("change events = %v, want none", got.changes)
	}
	if len(got.states) != 1 || got.states[0] != StateConnected {
		t.Errorf("state events = %v, want [connected]", got.states)
	}
}

func TestClient_RepeatedRecordKeyKeepsOneProperty(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(
		temperatureRecord(21.5),
		map[string]any{
			"id": "5-1", "nodeId": 5, "visibility": true, "probeType": "other",
			"metrics": map[string]any{"level": 30},
		},
	)
	c, dialer, _ := newTestClient(t, srv)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	d, _ := c.Device("5")
	if props := d.Properties(); len(props) != 1 {
		t.Fatalf("Properties() = %+v, want a single 5-1 entry", props)
	}

	dialer.handler(0).OnMessage(PushMessage{
		Type:    "device-temperature",
		Source:  "5-1",
		Message: PushPayload{Level: 19.0},
	})

	snap := d.Snapshot()
	if len(snap) != 1 || snap["temperature"] != 19.0 {
		t.Errorf("Snapshot() = %v, want map[temperature:19]", snap)
	}
}

func TestClient_FindByKey(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, _, _ := newTestClient(t, srv)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, ok := c.FindByKey("5-2"); ok {
		t.Fatal("FindByKey(5-2) found a key the controller never reported")
	}

	fake.setDevices(
		temperatureRecord(21.5),
		map[string]any{"id": "5-2", "nodeId": 5, "visibility": true, "probeType": "battery", "metrics": map[string]any{"level": 90}},
		map[string]any{"id": "12-1", "nodeId": 12, "visibility": true, "deviceType": "switchBinary", "metrics": map[string]any{"level": "on"}},
	)
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	tests := []struct {
		key    string
		wantID string
	}{
		{"5-1", "5"},
		{"5-2", "5"},
		{"12-1", "12"},
		{"99-1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			d, ok := c.FindByKey(tt.key)
			if tt.wantID == "" {
				if ok {
					t.Errorf("FindByKey(%s) = %s, want not found", tt.key, d.ID())
				}
				return
			}
			if !ok || d.ID() != tt.wantID {
				t.Errorf("FindByKey(%s) = %v, %v, want device %s", tt.key, d, ok, tt.wantID)
			}
		})
	}
}

func TestClient_IdenticalSnapshotRaisesNoEvents(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, _, rec := newTestClient(t, srv)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	rec.reset()

	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got := rec.snapshot()
	if len(got.devices) != 0 || len(got.changes) != 0 {
		t.Errorf("second identical load raised devices=%v changes=%v, want none", got.devices, got.changes)
	}
}

func TestClient_ReconnectKeepsDeviceIdentity(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, dialer, rec := newTestClient(t, srv)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	first, _ := c.Device("5")

	fake.setDevices(temperatureRecord(30.0))
	rec.reset()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}

	second, _ := c.Device("5")
	if first != second {
		t.Error("reconnect replaced the device instead of updating it")
	}
	if p, _ := second.Property("5-1"); p.Value != 30.0 {
		t.Errorf("value after reconnect = %v, want 30", p.Value)
	}

	got := rec.snapshot()
	if len(got.devices) != 0 {
		t.Errorf("device events on reconnect = %v, want none", got.devices)
	}
	if len(got.changes) != 0 {
		t.Errorf("changes found while reconnecting were forwarded: %v", got.changes)
	}
	wantStates := []State{StateReconnecting, StateConnected}
	if len(got.states) != 2 || got.states[0] != wantStates[0] || got.states[1] != wantStates[1] {
		t.Errorf("state events = %v, want %v", got.states, wantStates)
	}
	if dialer.channel(0).closed.Load() != 1 {
		t.Error("previous push channel was not closed")
	}
	if fake.loginCount() != 2 {
		t.Errorf("logins = %d, want 2 (session reset per cycle)", fake.loginCount())
	}
}

func TestClient_ChangeForwardingFollowsState(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, _, rec := newTestClient(t, srv)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	d, _ := c.Device("5")

	// Connected: forwarded.
	fake.setDevices(temperatureRecord(22.0))
	if err := c.Refresh(ctx); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got := rec.snapshot().changes; len(got) != 1 || got[0] != "5/5-1" {
		t.Fatalf("changes while connected = %v, want [5/5-1]", got)
	}

	// Drop the connection through a failing refresh.
	fake.set(func(f *fakeController) { f.devicesStatus = http.StatusInternalServerError })
	if err := c.Refresh(ctx); !errors.Is(err, ErrReconciliation) {
		t.Fatalf("Refresh() error = %v, want ErrReconciliation", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("State() = %v, want disconnected", c.State())
	}

	rec.reset()
	d.SetProperty("5-1", 99.0)
	if got := rec.snapshot().changes; len(got) != 0 {
		t.Errorf("changes while disconnected = %v, want none", got)
	}
	if p, _ := d.Property("5-1"); p.Value != 99.0 {
		t.Errorf("value = %v, want 99 (stored even when not forwarded)", p.Value)
	}
}

// =============================================================================
// Push events
// =============================================================================

func TestClient_PushCoercesFloatAndForwards(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, dialer, rec := newTestClient(t, srv)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	dialer.handler(0).OnMessage(PushMessage{
		Type:    "device-temperature",
		Source:  "5-1",
		Message: PushPayload{Level: "22.3"},
	})

	d, _ := c.Device("5")
	p, _ := d.Property("5-1")
	if v, ok := p.Value.(float64); !ok || v != 22.3 {
		t.Errorf("value = %#v, want float64 22.3", p.Value)
	}
	if got := rec.snapshot().changes; len(got) != 1 || got[0] != "5/5-1" {
		t.Errorf("changes = %v, want [5/5-1]", got)
	}
}

func TestClient_PushEdgeCases(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5), map[string]any{
		"id": "5-2", "nodeId": 5, "visibility": true, "deviceType": "switchBinary",
		"metrics": map[string]any{"level": "off"},
	})
	c, dialer, rec := newTestClient(t, srv)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h := dialer.handler(0)

	// Unknown source is dropped.
	h.OnMessage(PushMessage{Type: "device-temperature", Source: "9-9", Message: PushPayload{Level: 1}})
	// Non-numeric temperature is dropped.
	h.OnMessage(PushMessage{Type: "device-temperature", Source: "5-1", Message: PushPayload{Level: "warm"}})
	// Other types pass through unchanged.
	h.OnMessage(PushMessage{Type: "device-switch", Source: "5-2", Message: PushPayload{Level: "on"}})

	d, _ := c.Device("5")
	if p, _ := d.Property("5-1"); p.Value != 21.5 {
		t.Errorf("temperature = %v, want 21.5", p.Value)
	}
	if p, _ := d.Property("5-2"); p.Value != "on" {
		t.Errorf("switch = %v, want on", p.Value)
	}
	if got := rec.snapshot().changes; len(got) != 1 || got[0] != "5/5-2" {
		t.Errorf("changes = %v, want [5/5-2]", got)
	}

	// Messages from a superseded cycle are ignored.
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	h.OnMessage(PushMessage{Type: "device-switch", Source: "5-2", Message: PushPayload{Level: "off"}})
	if p, _ := d.Property("5-2"); p.Value != "on" {
		t.Errorf("stale push applied: switch = %v, want on", p.Value)
	}
}

// =============================================================================
// Commands
// =============================================================================

func TestClient_ApplyUpdateIssuesCommands(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, dialer, rec := newTestClient(t, srv)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	dialer.handler(0).OnMessage(PushMessage{
		Type: "device-temperature", Source: "5-1", Message: PushPayload{Level: "22.3"},
	})
	d, _ := c.Device("5")

	if err := d.ApplyUpdate(ctx, map[string]any{"temperature": 23.0}); err != nil {
		t.Fatalf("ApplyUpdate() error = %v", err)
	}
	want := apiPrefix + "/devices/5-1/command/exact?level=23"
	if got := fake.commandLog(); len(got) != 1 || got[0] != want {
		t.Errorf("commands = %v, want [%s]", got, want)
	}
	if got := rec.snapshot().commands; len(got) != 1 || got[0] != "5-1/exact" {
		t.Errorf("command events = %v, want [5-1/exact]", got)
	}

	if err := d.ApplyUpdate(ctx, map[string]any{"temperature": 22.3, "missing": 1}); err != nil {
		t.Fatalf("ApplyUpdate() unchanged error = %v", err)
	}
	if got := fake.commandLog(); len(got) != 1 {
		t.Errorf("unchanged update issued commands: %v", got)
	}
}

func TestClient_CommandFailureTriggersReconnect(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, dialer, rec := newTestClient(t, srv, func(o *Options) {
		o.RetryDelay = 10 * time.Millisecond
	})

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	fake.set(func(f *fakeController) { f.commandStatus = http.StatusInternalServerError })
	err := c.Command(ctx, "5-1", "on", nil)
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("Command() error = %v, want ErrCommandFailed", err)
	}
	if got := rec.snapshot().errs; len(got) != 1 {
		t.Errorf("error events = %d, want 1", len(got))
	}

	waitFor(t, 2*time.Second, func() bool { return dialer.dials() == 2 })
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	states := rec.snapshot().states
	if len(states) < 3 || states[1] != StateDisconnected {
		t.Errorf("state events = %v, want connected, disconnected, ...", states)
	}
}

// =============================================================================
// Failures and retry
// =============================================================================

func TestClient_LoadFailureSchedulesRetry(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	fake.set(func(f *fakeController) { f.devicesStatus = http.StatusServiceUnavailable })
	c, _, rec := newTestClient(t, srv, func(o *Options) {
		o.RetryDelay = 20 * time.Millisecond
	})

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrReconciliation) {
		t.Fatalf("Connect() error = %v, want ErrReconciliation", err)
	}
	if c.State() == StateConnected {
		t.Error("State() = connected after failed load")
	}
	if got := rec.snapshot().errs; len(got) == 0 || !errors.Is(got[0], ErrReconciliation) {
		t.Errorf("error events = %v, want ErrReconciliation", got)
	}

	fake.set(func(f *fakeController) { f.devicesStatus = http.StatusOK })
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	if _, ok := c.Device("5"); !ok {
		t.Error("device not registered after retry")
	}
}

func TestClient_NetworkErrorKeepsRegistry(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, _, rec := newTestClient(t, srv)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	before, _ := c.Device("5")

	srv.Close()
	err := c.Connect(ctx)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Connect() error = %v, want ErrTransport", err)
	}
	if c.State() == StateConnected {
		t.Error("State() = connected after network failure")
	}

	c.mu.Lock()
	pending := c.retry != nil
	c.mu.Unlock()
	if !pending {
		t.Error("no reconnect scheduled after failure")
	}

	after, ok := c.Device("5")
	if !ok || after != before {
		t.Error("registry changed by failed load")
	}
	if p, _ := after.Property("5-1"); p.Value != 21.5 {
		t.Errorf("value = %v, want 21.5", p.Value)
	}
	if len(rec.snapshot().errs) != 1 {
		t.Errorf("error events = %d, want 1", len(rec.snapshot().errs))
	}
}

func TestClient_AuthenticationFailure(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.set(func(f *fakeController) { f.loginStatus = http.StatusForbidden })
	c, dialer, _ := newTestClient(t, srv)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Connect() error = %v, want ErrAuthentication", err)
	}
	if dialer.dials() != 0 {
		t.Error("push channel dialled without a session")
	}
}

func TestClient_PushErrorTriggersFailure(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, dialer, rec := newTestClient(t, srv)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	dialer.handler(0).OnError(errors.New("socket reset"))

	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
	if len(rec.snapshot().errs) != 1 {
		t.Errorf("error events = %d, want 1", len(rec.snapshot().errs))
	}
}

func TestClient_StaleFailureIgnored(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, dialer, rec := newTestClient(t, srv)

	ctx := context.Background()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rec.reset()

	dialer.handler(0).OnError(errors.New("old socket closed"))

	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	if got := rec.snapshot().errs; len(got) != 0 {
		t.Errorf("stale failure raised error events: %v", got)
	}
}

func TestClient_DialFailure(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, dialer, rec := newTestClient(t, srv)
	dialer.err = errors.New("connection refused")

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("Connect() should fail when the push channel cannot be opened")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", c.State())
	}
	if states := rec.snapshot().states; len(states) != 0 {
		t.Errorf("state events = %v, want none before the push channel attaches", states)
	}
	if got := rec.snapshot().errs; len(got) != 1 {
		t.Errorf("error events = %d, want 1", len(got))
	}
}

func TestClient_ConnectedOnlyAfterPushAttach(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, dialer, rec := newTestClient(t, srv)
	dialer.gate = make(chan struct{})
	dialer.dialing = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	select {
	case <-dialer.dialing:
	case <-time.After(2 * time.Second):
		t.Fatal("push dial never started")
	}
	if c.State() != StateDisconnected {
		t.Errorf("State() during push dial = %v, want disconnected", c.State())
	}
	if states := rec.snapshot().states; len(states) != 0 {
		t.Errorf("state events during push dial = %v, want none", states)
	}

	close(dialer.gate)
	if err := <-done; err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if c.State() != StateConnected {
		t.Errorf("State() = %v, want connected", c.State())
	}
	states := rec.snapshot().states
	if len(states) != 1 || states[0] != StateConnected {
		t.Errorf("state events = %v, want [connected]", states)
	}
}

// =============================================================================
// Run loop
// =============================================================================

func TestClient_RunRefreshesAndStops(t *testing.T) {
	fake, srv := newFakeController(t)
	fake.setDevices(temperatureRecord(21.5))
	c, dialer, _ := newTestClient(t, srv, func(o *Options) {
		o.RefreshInterval = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected })

	fake.setDevices(temperatureRecord(19.0))
	waitFor(t, 2*time.Second, func() bool {
		d, ok := c.Device("5")
		if !ok {
			return false
		}
		p, _ := d.Property("5-1")
		return p.Value == 19.0
	})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if c.State() != StateDisconnected {
		t.Errorf("State() after stop = %v, want disconnected", c.State())
	}
	if dialer.channel(0).closed.Load() == 0 {
		t.Error("push channel not closed on stop")
	}
	if err := c.Run(context.Background()); err == nil {
		t.Error("Run() on a stopped client should fail")
	}
}
