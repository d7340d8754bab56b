package zway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Defaults applied by NewClient for zero-valued options.
const (
	// DefaultPort is the controller's HTTP and push port.
	DefaultPort = 8083

	defaultRequestTimeout    = 30 * time.Second
	defaultRetryDelay        = time.Second
	defaultRefreshInterval   = 10 * time.Second
	defaultReconnectInterval = time.Hour
)

// defaultFloatTypes are push message types whose level is always numeric.
var defaultFloatTypes = []string{"device-temperature"}

// State is the controller connection state.
type State int

// Connection states.
const (
	StateDisconnected State = iota
	StateReconnecting
	StateConnected
)

// String returns the state name used in logs and status payloads.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Logger is the logging interface used by the client.
// It is satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Client.
type Options struct {
	// Host and Port locate the controller. Port defaults to 8083.
	Host string
	Port int

	// BaseURL overrides Host and Port for HTTP calls (e.g. "http://zway:8083").
	BaseURL string

	// Username and Password are the controller credentials.
	Username string
	Password string

	// PushDialer opens the push channel. Defaults to a WebSocketDialer for
	// ws://Host:Port/.
	PushDialer PushDialer

	// HTTPClient performs controller requests. Defaults to a client with
	// RequestTimeout.
	HTTPClient     *http.Client
	RequestTimeout time.Duration

	// RetryDelay is the fixed delay before reconnecting after a failure.
	RetryDelay time.Duration

	// RefreshInterval is how often Run reconciles a fresh snapshot while
	// connected. Negative disables refreshing.
	RefreshInterval time.Duration

	// ReconnectInterval is how often Run forces a full connect cycle.
	// Negative disables it.
	ReconnectInterval time.Duration

	// FloatTypes lists push message types whose values are coerced to float64.
	FloatTypes []string

	Logger Logger
}

// Client maintains the controller session and the device registry.
type Client struct {
	opts       Options
	session    *Session
	dialer     PushDialer
	floatTypes map[string]struct{}
	logger     Logger

	mu      sync.Mutex
	state   State
	epoch   uint64
	devices map[string]*Device
	byKey   map[string]*Device
	push    PushChannel
	retry   *time.Timer
	baseCtx context.Context
	closed  bool

	listenerMu sync.RWMutex
	listeners  []Listener
}

// transition records a state change to be announced after unlocking.
type transition struct {
	from, to State
	changed  bool
}

// NewClient creates a controller client. Call Run to start it.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" && opts.Host == "" {
		return nil, errors.New("zway: host is required")
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.BaseURL == "" {
		opts.BaseURL = fmt.Sprintf("http://%s:%d", opts.Host, opts.Port)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.ReconnectInterval == 0 {
		opts.ReconnectInterval = defaultReconnectInterval
	}
	if opts.FloatTypes == nil {
		opts.FloatTypes = defaultFloatTypes
	}

	c := &Client{
		opts:       opts,
		session:    NewSession(opts.BaseURL, opts.Username, opts.Password, opts.HTTPClient),
		dialer:     opts.PushDialer,
		floatTypes: make(map[string]struct{}, len(opts.FloatTypes)),
		logger:     opts.Logger,
		state:      StateDisconnected,
		devices:    make(map[string]*Device),
		byKey:      make(map[string]*Device),
	}
	for _, t := range opts.FloatTypes {
		c.floatTypes[t] = struct{}{}
	}
	if c.dialer == nil {
		if opts.Host == "" {
			return nil, errors.New("zway: host or push dialer is required")
		}
		c.dialer = &WebSocketDialer{
			URL:    fmt.Sprintf("ws://%s:%d/", opts.Host, opts.Port),
			Logger: opts.Logger,
		}
	}

	c.session.onLogin = c.handleLogin
	c.session.onResponse = c.handleResponse

	return c, nil
}

// AddListener registers l for client events. Register listeners before Run.
func (c *Client) AddListener(l Listener) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, l)
	c.listenerMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Epoch returns the number of connect cycles started so far.
func (c *Client) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// Device returns the device registered under a node id.
func (c *Client) Device(id string) (*Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[id]
	return d, ok
}

// Devices returns all registered devices ordered by id.
func (c *Client) Devices() []*Device {
	c.mu.Lock()
	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// FindByKey returns the device owning the channel key.
func (c *Client) FindByKey(key string) (*Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.byKey[key]
	return d, ok
}

// indexKeysLocked records d as the owner of keys not already claimed.
func (c *Client) indexKeysLocked(d *Device, properties []Property) {
	for _, p := range properties {
		if _, ok := c.byKey[p.Key]; !ok {
			c.byKey[p.Key] = d
		}
	}
}

// Run connects to the controller and keeps the connection alive until ctx is
// cancelled.
//
// Besides reconnecting after failures, Run reconciles a fresh snapshot every
// RefreshInterval while connected and forces a complete connect cycle every
// ReconnectInterval to recover from stale sessions that produce no error.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("zway: client already stopped")
	}
	c.baseCtx = ctx
	c.mu.Unlock()

	defer c.Close() //nolint:errcheck // always nil

	// Failures are handled by the retry timer.
	_ = c.Connect(ctx)

	var reconnectC, refreshC <-chan time.Time
	if c.opts.ReconnectInterval > 0 {
		t := time.NewTicker(c.opts.ReconnectInterval)
		defer t.Stop()
		reconnectC = t.C
	}
	if c.opts.RefreshInterval > 0 {
		t := time.NewTicker(c.opts.RefreshInterval)
		defer t.Stop()
		refreshC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconnectC:
			c.logInfo("scheduled reconnect to controller")
			_ = c.Connect(ctx)
		case <-refreshC:
			if c.State() == StateConnected {
				_ = c.Refresh(ctx)
			}
		}
	}
}

// Connect runs one connect cycle: tear down the push channel, log in, load the
// device list, and attach a new push channel.
//
// Failures are passed to the failure handler, which schedules a retry, and
// are also returned. Connect returns nil without side effects when a newer
// cycle supersedes it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	old := c.push
	c.push = nil
	var tr transition
	if old != nil {
		tr = c.setStateLocked(StateReconnecting)
	}
	c.mu.Unlock()
	c.announce(tr)

	if old != nil {
		if err := old.Close(); err != nil {
			c.logDebug("closing previous push channel", "error", err)
		}
	}

	c.logDebug("connecting to controller", "url", c.opts.BaseURL, "epoch", epoch)
	c.session.Reset()

	if err := c.load(ctx, epoch); err != nil {
		if errors.Is(err, errStaleEpoch) {
			return nil
		}
		c.fail(epoch, err)
		return err
	}

	c.mu.Lock()
	stale := c.epoch != epoch || c.closed
	c.mu.Unlock()
	if stale {
		return nil
	}

	ch, err := c.dialer.Dial(ctx, PushHandler{
		OnMessage: func(msg PushMessage) { c.handlePush(epoch, msg) },
		OnError: func(err error) {
			c.fail(epoch, fmt.Errorf("push channel: %w", err))
		},
	})
	if err != nil {
		c.fail(epoch, err)
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch || c.closed {
		c.mu.Unlock()
		if err := ch.Close(); err != nil {
			c.logDebug("closing superseded push channel", "error", err)
		}
		return nil
	}
	c.push = ch
	tr = c.setStateLocked(StateConnected)
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.mu.Unlock()
	c.announce(tr)

	c.logInfo("connected to controller", "devices", c.deviceCount(), "epoch", epoch)
	return nil
}

// Refresh reconciles a fresh snapshot within the current connect cycle.
func (c *Client) Refresh(ctx context.Context) error {
	epoch := c.Epoch()
	err := c.load(ctx, epoch)
	if err == nil || errors.Is(err, errStaleEpoch) {
		return nil
	}
	c.fail(epoch, err)
	return err
}

// fail is the single failure path for connect cycles, push errors and
// commands. Failures from superseded cycles are ignored.
func (c *Client) fail(epoch uint64, err error) {
	c.mu.Lock()
	if c.epoch != epoch || c.closed {
		c.mu.Unlock()
		c.logDebug("ignoring failure from superseded cycle", "epoch", epoch, "error", err)
		return
	}
	var tr transition
	if c.state == StateConnected {
		tr = c.setStateLocked(StateDisconnected)
	}
	if c.retry == nil {
		c.retry = time.AfterFunc(c.opts.RetryDelay, c.retryConnect)
	}
	c.mu.Unlock()

	c.logError("controller connection failed", "error", err, "retry_in", c.opts.RetryDelay)
	c.emit(func(l Listener) { l.OnError(err) })
	c.announce(tr)
}

func (c *Client) retryConnect() {
	c.mu.Lock()
	c.retry = nil
	closed := c.closed
	ctx := c.baseCtx
	c.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if closed || ctx.Err() != nil {
		return
	}
	_ = c.Connect(ctx)
}

// Close stops retry timers and the push channel. A closed client cannot be
// restarted. Run calls Close when its context ends.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	ch := c.push
	c.push = nil
	tr := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			c.logDebug("closing push channel", "error", err)
		}
	}
	c.announce(tr)
	c.logInfo("controller client stopped")
	return nil
}

func (c *Client) setStateLocked(to State) transition {
	from := c.state
	c.state = to
	return transition{from: from, to: to, changed: from != to}
}

func (c *Client) announce(tr transition) {
	if !tr.changed {
		return
	}
	c.logInfo("controller state changed", "from", tr.from.String(), "to", tr.to.String())
	c.emit(func(l Listener) { l.OnStateChange(tr.from, tr.to) })
}

// forwardChange is the change hook of every registered device.
func (c *Client) forwardChange(d *Device, key string) {
	if c.State() != StateConnected {
		return
	}
	c.emit(func(l Listener) { l.OnChange(d, key) })
}

func (c *Client) handleLogin() {
	c.logInfo("logged in to controller")
	c.emit(func(l Listener) { l.OnLogin() })
}

func (c *Client) handleResponse(path string, status int) {
	c.emit(func(l Listener) { l.OnResponse(path, status) })
}

func (c *Client) emit(fn func(Listener)) {
	c.listenerMu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenerMu.RUnlock()

	for _, l := range listeners {
		fn(l)
	}
}

func (c *Client) deviceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices)
}

// =============================================================================
// Logging helpers
// =============================================================================

func (c *Client) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (c *Client) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Client) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}

func (c *Client) logError(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Error(msg, keysAndValues...)
	}
}
