package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"eve.evalgo.org/queue"
	"eve.evalgo.org/registry"
)

// ClientConfig configures a Client's connection to a worker transport
// endpoint. Grounded on coordinator.Config's reconnect/ping fields.
type ClientConfig struct {
	URL string

	ReconnectInitialDelay  time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectBackoffFactor float64
	ReconnectMaxAttempts   int // 0 = infinite

	PingInterval time.Duration

	Logger *logrus.Entry
}

// DefaultClientConfig returns sensible reconnect/ping defaults.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:                    url,
		ReconnectInitialDelay:  time.Second,
		ReconnectMaxDelay:      30 * time.Second,
		ReconnectBackoffFactor: 2.0,
		PingInterval:           30 * time.Second,
	}
}

// Client is the controlling-process side of the worker transport: it sends
// KindJobSubmit messages and dispatches inbound KindJobStatus/KindJobComplete
// messages to registered handlers. Grounded on coordinator.Coordinator's
// connect-with-backoff/send-channel/read-pump shape.
type Client struct {
	config ClientConfig
	logger *logrus.Entry

	conn   *websocket.Conn
	connMu sync.RWMutex

	sendChan chan *Message

	handlersMu sync.RWMutex
	handlers   map[Kind][]func(*Message)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient constructs a Client. Call Connect to start the connection loop.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:   config,
		logger:   config.Logger.WithField("component", "transport.client"),
		sendChan: make(chan *Message, 64),
		handlers: make(map[Kind][]func(*Message)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnMessage registers a handler invoked for every received message of kind.
func (c *Client) OnMessage(kind Kind, fn func(*Message)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], fn)
}

// Connect starts the background connection loop; it reconnects with
// exponential backoff and jitter on any disconnect.
func (c *Client) Connect() error {
	c.wg.Add(1)
	go c.connectionLoop()
	return nil
}

// Close tears down the connection and stops the connection loop.
func (c *Client) Close() error {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
	return nil
}

// Send enqueues msg for delivery over the current (or next) connection.
func (c *Client) Send(msg *Message) error {
	select {
	case c.sendChan <- msg:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("transport client closed")
	}
}

func (c *Client) connectionLoop() {
	defer c.wg.Done()

	delay := c.config.ReconnectInitialDelay
	attempts := 0

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if err := c.runConnection(); err != nil {
			attempts++
			c.logger.WithError(err).WithField("attempt", attempts).Warn("transport connection lost")
			if c.config.ReconnectMaxAttempts > 0 && attempts >= c.config.ReconnectMaxAttempts {
				c.logger.Error("transport reconnect attempts exhausted")
				return
			}
		} else {
			attempts = 0
			delay = c.config.ReconnectInitialDelay
		}

		jitter := time.Duration(rand.Int63n(int64(delay) / 4))
		select {
		case <-time.After(delay + jitter):
		case <-c.ctx.Done():
			return
		}
		delay = time.Duration(float64(delay) * c.config.ReconnectBackoffFactor)
		if delay > c.config.ReconnectMaxDelay {
			delay = c.config.ReconnectMaxDelay
		}
	}
}

func (c *Client) runConnection() error {
	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	readErr := make(chan error, 1)
	go c.readPump(conn, readErr)

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case msg := <-c.sendChan:
			data, err := msg.JSON()
			if err != nil {
				c.logger.WithError(err).Warn("failed to encode outgoing transport message")
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Client) readPump(conn *websocket.Conn, readErr chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed transport message")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	c.handlersMu.RLock()
	handlers := append([]func(*Message){}, c.handlers[msg.Kind]...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// Worker is the worker-process side of the transport: it upgrades incoming
// HTTP connections to WebSocket, accepts KindJobSubmit messages, runs them
// against a local registry.QueueRegistry, and streams KindJobStatus/
// KindJobComplete messages back. Grounded on the same coordinator.go
// connection shape, inverted to the accepting end.
type Worker struct {
	queues   *registry.QueueRegistry
	logger   *logrus.Entry
	upgrader websocket.Upgrader
}

// NewWorker constructs a Worker dispatching submitted jobs through queues.
func NewWorker(queues *registry.QueueRegistry, logger *logrus.Entry) *Worker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		queues: queues,
		logger: logger.WithField("component", "transport.worker"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// ServeHTTP upgrades the request and serves one connection until it closes.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(msg *Message) {
		data, err := msg.JSON()
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			w.logger.WithError(err).Warn("dropping malformed transport message")
			continue
		}
		if msg.Kind != KindJobSubmit {
			continue
		}
		go w.handleSubmit(r.Context(), msg, write)
	}
}

func (w *Worker) handleSubmit(ctx context.Context, msg *Message, write func(*Message)) {
	submit, err := msg.GetSubmitPayload()
	if err != nil {
		w.logger.WithError(err).Warn("malformed job_submit payload")
		return
	}

	handle, ok := w.queues.Get(msg.Queue)
	if !ok {
		complete := NewMessage(KindJobComplete, msg.Queue)
		complete.SetPayload(CompletePayload{Errored: true, Error: fmt.Sprintf("no queue registered for name %q", msg.Queue)})
		write(complete)
		return
	}

	id, err := handle.Client.Add(ctx, submit.Input, queue.AddOptions{JobRunID: submit.JobRunID, MaxRetries: submit.MaxRetries})
	if err != nil {
		complete := NewMessage(KindJobComplete, msg.Queue)
		complete.JobID = msg.JobID
		complete.SetPayload(CompletePayload{Errored: true, Error: err.Error()})
		write(complete)
		return
	}

	unsub := handle.Client.OnJobProgress(id, func(percent int, message string, details map[string]interface{}) {
		status := NewMessage(KindJobStatus, msg.Queue)
		status.JobID = id
		status.SetPayload(StatusPayload{Percent: percent, Message: message, Details: details})
		write(status)
	})
	defer unsub()

	output, err := handle.Client.WaitFor(ctx, id)
	complete := NewMessage(KindJobComplete, msg.Queue)
	complete.JobID = id
	if err != nil {
		complete.SetPayload(CompletePayload{Errored: true, Error: err.Error()})
	} else {
		complete.SetPayload(CompletePayload{Output: output})
	}
	write(complete)
}
