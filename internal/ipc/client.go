package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"motorsim/internal/logging"
	"motorsim/pkg/types"
)

var ErrNotConnected = errors.New("not connected to server")

type IPCClient struct {
	config       types.IPCConfig
	conn         net.Conn
	writeLock    sync.Mutex
	receiveChan  chan types.IPCMessage
	handlers     map[string]func(types.IPCMessage)
	handlersLock sync.RWMutex
	pending      map[string]chan types.IPCMessage
	pendingLock  sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	connected    bool
	logger       *logging.Logger
}

func NewIPCClient(config types.IPCConfig) *IPCClient {
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IPCClient{
		config:      config,
		receiveChan: make(chan types.IPCMessage, config.BufferSize),
		handlers:    make(map[string]func(types.IPCMessage)),
		pending:     make(map[string]chan types.IPCMessage),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logging.GetLogger("ipc_client"),
	}
}

func (c *IPCClient) Connect() error {
	address := net.JoinHostPort(c.config.Address, fmt.Sprintf("%d", c.config.Port))
	return c.ConnectTo(address)
}

// ConnectTo dials address directly, ignoring the configured host and port.
func (c *IPCClient) ConnectTo(address string) error {
	conn, err := net.DialTimeout("tcp", address, c.config.Timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to IPC server: %w", err)
	}

	c.conn = conn
	c.connected = true

	c.wg.Add(1)
	go c.receiveMessages()

	c.logger.Debug("Connected to IPC server", "address", address)
	return nil
}

func (c *IPCClient) Disconnect() {
	if !c.connected {
		return
	}

	c.cancel()
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Debug("Client disconnected")
	case <-time.After(3 * time.Second):
		c.logger.Warn("Client disconnect timeout, forcing shutdown")
	}
}

// Send writes message without waiting for a reply. An empty ID is filled in.
func (c *IPCClient) Send(message types.IPCMessage) error {
	if !c.connected {
		return ErrNotConnected
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	data, err := encode(message)
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.Timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

// Request sends message and waits for the reply carrying the same ID.
// Error replies are returned as errors.
func (c *IPCClient) Request(ctx context.Context, message types.IPCMessage) (types.IPCMessage, error) {
	if message.ID == "" {
		message.ID = uuid.NewString()
	}

	reply := make(chan types.IPCMessage, 1)
	c.pendingLock.Lock()
	c.pending[message.ID] = reply
	c.pendingLock.Unlock()
	defer func() {
		c.pendingLock.Lock()
		delete(c.pending, message.ID)
		c.pendingLock.Unlock()
	}()

	if err := c.Send(message); err != nil {
		return types.IPCMessage{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	select {
	case response := <-reply:
		if response.Type == types.MsgError {
			return response, fmt.Errorf("%s request failed: %v", message.Type, response.Data["error"])
		}
		return response, nil
	case <-c.ctx.Done():
		return types.IPCMessage{}, ErrNotConnected
	case <-ctx.Done():
		return types.IPCMessage{}, fmt.Errorf("%s request: %w", message.Type, ctx.Err())
	}
}

// Receive yields messages that are neither replies nor claimed by a handler.
func (c *IPCClient) Receive() <-chan types.IPCMessage {
	return c.receiveChan
}

func (c *IPCClient) RegisterHandler(messageType string, handler func(types.IPCMessage)) {
	c.handlersLock.Lock()
	defer c.handlersLock.Unlock()
	c.handlers[messageType] = handler
}

func (c *IPCClient) receiveMessages() {
	defer c.wg.Done()
	defer close(c.receiveChan)

	decoder := json.NewDecoder(c.conn)
	for {
		var message types.IPCMessage
		if err := decoder.Decode(&message); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				c.logger.Info("Server disconnected")
			case errors.Is(err, net.ErrClosed):
			default:
				c.logger.Error("Receive error", "error", err.Error())
			}
			c.cancel()
			return
		}
		c.routeMessage(message)
	}
}

func (c *IPCClient) routeMessage(message types.IPCMessage) {
	c.pendingLock.Lock()
	waiter, isReply := c.pending[message.ID]
	c.pendingLock.Unlock()
	if isReply {
		select {
		case waiter <- message:
		default:
		}
		return
	}

	c.handlersLock.RLock()
	handler, exists := c.handlers[message.Type]
	c.handlersLock.RUnlock()

	if exists {
		handler(message)
		return
	}

	select {
	case c.receiveChan <- message:
	case <-c.ctx.Done():
	case <-time.After(100 * time.Millisecond):
		c.logger.Warn("Receive channel full, dropping message", "message_type", message.Type)
	}
}
