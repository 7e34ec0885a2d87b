package idle

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/edwingeng/deque/v2"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-pluto/imapclient/client"
	"github.com/pkg/errors"
	"golang.org/x/net/context"
)

// Constants

const (
	// defaultMaxAge is how long one IDLE session may run before the
	// multiplexer refreshes it. Thirteen minutes stays well below the
	// 29 minute cutoff RFC 2177 allows servers to enforce, common
	// servers cut considerably earlier.
	defaultMaxAge = 13 * time.Minute

	// defaultPollInterval paces the drain sweep over all registered
	// connections.
	defaultPollInterval = 1 * time.Second

	// defaultEmptyBackoff is the sweep pause while no connection is
	// registered at all.
	defaultEmptyBackoff = 5 * time.Second
)

// Structs

// Config carries the multiplexer's timing knobs. Zero values fall back
// to the defaults.
type Config struct {
	MaxAge       time.Duration
	PollInterval time.Duration
	EmptyBackoff time.Duration
}

// Notification is one mailbox event forwarded by the multiplexer. The
// final notification before the channel closes carries Terminal and
// nothing else.
type Notification struct {
	Name     string
	Folder   string
	Time     time.Time
	Exists   uint64
	Expunged []uint64
	Err      error
	Terminal bool
}

// queued is one reactivation slot in the deadline queue. The sequence
// number invalidates slots of connections refreshed out of order.
type queued struct {
	name string
	seq  uint64
}

// entry is one registered idling connection. Bytes drained off the
// socket between refreshes collect in buffered until the next refresh
// parses them.
type entry struct {
	name     string
	client   *client.Client
	folder   string
	deadline time.Time
	seq      uint64
	active   bool
	buffered []byte
}

// Multiplexer keeps registered connections in IDLE mode, drains their
// sockets for pushed updates, refreshes sessions before they age out,
// and forwards mailbox events on the notification channel.
type Multiplexer struct {
	logger        log.Logger
	metrics       *Metrics
	blacklist     *Blacklist
	config        Config
	lock          sync.Mutex
	clients       map[string]*entry
	order         *deque.Deque[queued]
	notifications chan Notification
	now           func() time.Time
}

// Functions

// NewMultiplexer builds a multiplexer. Run must be started for events
// to flow.
func NewMultiplexer(logger log.Logger, metrics *Metrics, config Config) *Multiplexer {

	if config.MaxAge == 0 {
		config.MaxAge = defaultMaxAge
	}

	if config.PollInterval == 0 {
		config.PollInterval = defaultPollInterval
	}

	if config.EmptyBackoff == 0 {
		config.EmptyBackoff = defaultEmptyBackoff
	}

	return &Multiplexer{
		logger:        logger,
		metrics:       metrics,
		blacklist:     NewBlacklist(),
		config:        config,
		clients:       make(map[string]*entry),
		order:         deque.NewDeque[queued](),
		notifications: make(chan Notification, 64),
		now:           time.Now,
	}
}

// Notifications returns the channel mailbox events arrive on. The
// channel closes after Run returns, normally right after a Terminal
// sentinel; a consumer that stopped reading may miss the sentinel but
// still observes the close.
func (m *Multiplexer) Notifications() <-chan Notification {
	return m.notifications
}

// Register puts a connection into IDLE mode and adds it to the sweep
// under a unique name. The client must be logged in with the watched
// folder selected, and must not be used by the caller until it leaves
// the multiplexer again.
func (m *Multiplexer) Register(name string, c *client.Client, folder string) error {

	m.lock.Lock()
	defer m.lock.Unlock()

	if m.blacklist.Blacklisted(name) {
		return errors.Errorf("connection '%s' is blacklisted after repeated failures", name)
	}

	if _, exists := m.clients[name]; exists {
		return errors.Errorf("connection '%s' is already registered", name)
	}

	if err := c.Idle(); err != nil {
		m.blacklist.Record(name)
		return errors.Wrapf(err, "could not enter IDLE mode for '%s'", name)
	}

	e := &entry{
		name:     name,
		client:   c,
		folder:   folder,
		deadline: m.now().Add(m.config.MaxAge),
		seq:      1,
	}

	m.clients[name] = e
	m.order.PushBack(queued{name: name, seq: e.seq})

	level.Info(m.logger).Log("msg", "connection registered for idling", "name", name, "folder", folder)

	return nil
}

// Has reports whether a connection is currently registered under a
// name, sessions in the middle of a refresh included.
func (m *Multiplexer) Has(name string) bool {

	m.lock.Lock()
	defer m.lock.Unlock()

	_, exists := m.clients[name]

	return exists
}

// Clients returns the names of all registered connections.
func (m *Multiplexer) Clients() []string {

	m.lock.Lock()
	defer m.lock.Unlock()

	out := make([]string, 0, len(m.clients))
	for name := range m.clients {
		out = append(out, name)
	}

	return out
}

// Unregister ends the connection's IDLE session and hands the client
// back to the caller.
func (m *Multiplexer) Unregister(name string) (*client.Client, error) {

	m.lock.Lock()
	defer m.lock.Unlock()

	e, exists := m.clients[name]
	if !exists {
		return nil, errors.Errorf("connection '%s' is not registered", name)
	}

	delete(m.clients, name)

	if _, err := e.client.IdleDone(); err != nil {
		return nil, errors.Wrapf(err, "could not end IDLE mode for '%s'", name)
	}

	return e.client, nil
}

// Run sweeps the registered connections until the context is
// cancelled: drain sockets, classify pushed updates, and refresh
// sessions that saw activity or aged out. On return every connection
// is closed, a Terminal notification is emitted, and the notification
// channel closes.
func (m *Multiplexer) Run(ctx context.Context) {

	defer close(m.notifications)
	defer m.shutdown()

	for {

		pause := m.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(pause):
		}
	}
}

// sweep runs one pass over all registered connections and returns how
// long to pause before the next one.
func (m *Multiplexer) sweep(ctx context.Context) time.Duration {

	m.lock.Lock()
	defer m.lock.Unlock()

	if len(m.clients) == 0 {
		return m.config.EmptyBackoff
	}

	// Pull pushed bytes off every socket and flag the connections
	// whose updates warrant a refresh.
	for _, e := range m.clients {

		drained, err := e.client.Drain()
		if err != nil {
			m.drop(e, err)
			continue
		}

		if len(drained) > 0 {

			e.buffered = append(e.buffered, drained...)

			if classify(e.buffered) {
				e.active = true
			}
		}
	}

	// Refresh connections whose deadline passed, front of the queue
	// first. Slots with a stale sequence number belong to sessions
	// already refreshed and are skipped.
	for m.order.Len() > 0 {

		slot, _ := m.order.Front()

		e, exists := m.clients[slot.name]
		if !exists || e.seq != slot.seq {
			m.order.PopFront()
			continue
		}

		if m.now().Before(e.deadline) {
			break
		}

		m.order.PopFront()
		m.reactivate(ctx, e)
	}

	// Refresh connections with pushed updates regardless of age.
	for _, e := range m.clients {
		if e.active {
			m.reactivate(ctx, e)
		}
	}

	return m.config.PollInterval
}

// reactivate ends the entry's IDLE session, forwards the mailbox
// events the server pushed, and starts a fresh session. Caller holds
// the lock.
func (m *Multiplexer) reactivate(ctx context.Context, e *entry) {

	e.active = false

	resp, err := e.client.IdleDone()
	if err != nil {
		m.drop(e, err)
		return
	}

	m.metrics.Reactivations.Add(1)

	if n, ok := buildNotification(e, resp); ok {
		n.Time = m.now()
		m.forward(ctx, n)
	}

	if err := e.client.Idle(); err != nil {
		m.drop(e, err)
		return
	}

	e.seq++
	e.deadline = m.now().Add(m.config.MaxAge)
	m.order.PushBack(queued{name: e.name, seq: e.seq})
}

// drop removes a failed connection, records the failure on the
// blacklist, and notifies the consumer. Caller holds the lock.
func (m *Multiplexer) drop(e *entry, reason error) {

	delete(m.clients, e.name)
	e.client.Close()

	m.blacklist.Record(e.name)
	m.metrics.Drops.Add(1)

	level.Error(m.logger).Log("msg", "idling connection dropped", "name", e.name, "err", reason)

	select {
	case m.notifications <- Notification{Name: e.name, Folder: e.folder, Time: m.now(), Err: reason}:
	default:
		level.Warn(m.logger).Log("msg", "notification channel full, drop event lost", "name", e.name)
	}
}

// forward hands one notification to the consumer, giving up when the
// context ends first.
func (m *Multiplexer) forward(ctx context.Context, n Notification) {

	m.metrics.Notifications.Add(1)

	select {
	case m.notifications <- n:
	case <-ctx.Done():
	}
}

// shutdown ends every remaining IDLE session, closes the connections,
// and emits the Terminal sentinel.
func (m *Multiplexer) shutdown() {

	m.lock.Lock()
	defer m.lock.Unlock()

	for name, e := range m.clients {

		if _, err := e.client.IdleDone(); err != nil {
			level.Warn(m.logger).Log("msg", "could not end IDLE session during shutdown", "name", name, "err", err)
		}

		e.client.Close()
		delete(m.clients, name)
	}

	// The channel close right after still signals termination when a
	// stalled consumer left no room for the sentinel.
	select {
	case m.notifications <- Notification{Terminal: true}:
	default:
		level.Warn(m.logger).Log("msg", "notification channel full, terminal sentinel dropped")
	}

	level.Info(m.logger).Log("msg", "idle multiplexer stopped")
}

// classify reports whether drained bytes carry a mailbox update worth
// a refresh. The scan is deliberately shallow, full parsing happens on
// the records collected by the refresh itself.
func classify(drained []byte) bool {

	for _, line := range bytes.Split(drained, []byte("\r\n")) {

		if bytes.Contains(line, []byte(" EXISTS")) ||
			bytes.Contains(line, []byte(" EXPUNGE")) ||
			bytes.Contains(line, []byte(" RECENT")) {
			return true
		}
	}

	return false
}

// buildNotification condenses the updates of one IDLE session into a
// notification: the lines drained off the socket between sweeps plus
// the untagged records the refresh itself collected. The second return
// value is false when the session saw nothing notable.
func buildNotification(e *entry, resp *client.Response) (Notification, bool) {

	n := Notification{Name: e.name, Folder: e.folder}
	notable := false

	absorb := func(text string) {

		fields := strings.Fields(strings.TrimPrefix(text, "* "))
		if len(fields) != 2 {
			return
		}

		var value uint64
		if _, err := fmt.Sscanf(fields[0], "%d", &value); err != nil {
			return
		}

		switch {
		case strings.EqualFold(fields[1], "EXISTS"):
			n.Exists = value
			notable = true
		case strings.EqualFold(fields[1], "EXPUNGE"):
			n.Expunged = append(n.Expunged, value)
			notable = true
		}
	}

	// A torn trailing line simply fails the two-field shape and is
	// ignored, its bytes cannot be completed after the session ended.
	for _, line := range bytes.Split(e.buffered, []byte("\r\n")) {
		absorb(string(line))
	}
	e.buffered = nil

	for _, group := range resp.Untagged {
		absorb(string(group[0].Text))
	}

	return n, notable
}
