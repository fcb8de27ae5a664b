// Package ipc carries JSON messages between the simulator and its clients
// over TCP. Each message is one JSON object; requests are answered on the
// same connection and axis state is broadcast to every connected client.
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

type Client struct {
	ID        string
	Conn      net.Conn
	Send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

type IPCServer struct {
	config       types.IPCConfig
	clients      map[string]*Client
	clientsLock  sync.RWMutex
	handlers     map[string]func(types.IPCMessage)
	handlersLock sync.RWMutex
	server       net.Listener
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	stopOnce     sync.Once
	logger       *logging.Logger
}

func NewIPCServer(config types.IPCConfig) *IPCServer {
	if config.BufferSize <= 0 {
		config.BufferSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &IPCServer{
		config:   config,
		clients:  make(map[string]*Client),
		handlers: make(map[string]func(types.IPCMessage)),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logging.GetLogger("ipc_server"),
	}
}

func (s *IPCServer) Start() error {
	var err error
	address := net.JoinHostPort(s.config.Address, fmt.Sprintf("%d", s.config.Port))

	s.server, err = net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	s.logger.Info("IPC server started", "address", s.server.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Addr returns the listening address, useful when the configured port is 0.
func (s *IPCServer) Addr() net.Addr {
	if s.server == nil {
		return nil
	}
	return s.server.Addr()
}

func (s *IPCServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.cancel()

		if s.server != nil {
			err = s.server.Close()
		}

		s.clientsLock.Lock()
		for _, client := range s.clients {
			s.closeClient(client)
		}
		s.clients = make(map[string]*Client)
		s.clientsLock.Unlock()

		s.wg.Wait()
		s.logger.Info("IPC server stopped")
	})
	return err
}

// closeClient shuts the connection down once. The send queue is left open;
// the writer goroutine exits on the closed signal.
func (s *IPCServer) closeClient(client *Client) {
	client.closeOnce.Do(func() {
		close(client.closed)
		if client.Conn != nil {
			client.Conn.Close()
		}
		s.logger.Debug("Client closed", "client_id", client.ID)
	})
}

func (s *IPCServer) removeClient(client *Client) {
	s.closeClient(client)
	s.clientsLock.Lock()
	delete(s.clients, client.ID)
	s.clientsLock.Unlock()
}

func (s *IPCServer) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.server.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept error", "error", err.Error())
			continue
		}

		client := &Client{
			ID:     "client-" + uuid.NewString(),
			Conn:   conn,
			Send:   make(chan []byte, s.config.BufferSize),
			closed: make(chan struct{}),
		}

		s.clientsLock.Lock()
		s.clients[client.ID] = client
		s.clientsLock.Unlock()

		s.wg.Add(2)
		go s.handleClient(client)
		go s.sendToClient(client)

		s.logger.Info("Client connected", "client_id", client.ID, "remote", conn.RemoteAddr().String())
	}
}

func (s *IPCServer) handleClient(client *Client) {
	defer s.wg.Done()
	defer s.removeClient(client)

	decoder := json.NewDecoder(client.Conn)

	for {
		var message types.IPCMessage
		if err := decoder.Decode(&message); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("Client disconnected", "client_id", client.ID)
			case errors.Is(err, net.ErrClosed):
			default:
				s.logger.Warn("Client decode error", "client_id", client.ID, "error", err.Error())
			}
			return
		}

		message.Source = client.ID
		s.routeMessage(message)
	}
}

func (s *IPCServer) sendToClient(client *Client) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-client.closed:
			return
		case data := <-client.Send:
			if err := client.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
				s.logger.Warn("Set write deadline error", "client_id", client.ID, "error", err.Error())
				return
			}

			if _, err := client.Conn.Write(data); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Warn("Send to client failed", "client_id", client.ID, "error", err.Error())
				}
				return
			}
		}
	}
}

func (s *IPCServer) routeMessage(message types.IPCMessage) {
	s.handlersLock.RLock()
	handler, exists := s.handlers[message.Type]
	s.handlersLock.RUnlock()

	if !exists {
		s.logger.Warn("No handler for message", "type", message.Type, "client_id", message.Source)
		reply := types.IPCMessage{
			Type:      types.MsgError,
			Source:    "server",
			Target:    message.Source,
			Data:      map[string]interface{}{"error": fmt.Sprintf("unsupported message type %q", message.Type)},
			Timestamp: time.Now(),
			ID:        message.ID,
		}
		_ = s.SendToClient(message.Source, reply)
		return
	}
	handler(message)
}

func (s *IPCServer) Broadcast(message types.IPCMessage) error {
	data, err := encode(message)
	if err != nil {
		return err
	}

	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()

	for _, client := range s.clients {
		select {
		case client.Send <- data:
		default:
			s.logger.Warn("Client send buffer full", "client_id", client.ID)
		}
	}

	return nil
}

func (s *IPCServer) SendToClient(clientID string, message types.IPCMessage) error {
	data, err := encode(message)
	if err != nil {
		return err
	}

	s.clientsLock.RLock()
	client, exists := s.clients[clientID]
	s.clientsLock.RUnlock()

	if !exists {
		return fmt.Errorf("client not found: %s", clientID)
	}

	select {
	case client.Send <- data:
		return nil
	case <-client.closed:
		return fmt.Errorf("client closed: %s", clientID)
	case <-time.After(5 * time.Second):
		return fmt.Errorf("send timeout for client: %s", clientID)
	}
}

func (s *IPCServer) RegisterHandler(messageType string, handler func(types.IPCMessage)) {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	s.handlers[messageType] = handler
}

// RegisterRequestHandler answers every message of the given types with the
// reply built by handler, sent back to the requesting client.
func (s *IPCServer) RegisterRequestHandler(handler func(types.IPCMessage) types.IPCMessage, messageTypes ...string) {
	for _, messageType := range messageTypes {
		s.RegisterHandler(messageType, func(request types.IPCMessage) {
			reply := handler(request)
			if err := s.SendToClient(request.Source, reply); err != nil {
				s.logger.Warn("Reply not delivered", "client_id", request.Source, "type", request.Type, "error", err.Error())
			}
		})
	}
}

// Publish broadcasts an axis state to every connected client.
func (s *IPCServer) Publish(_ context.Context, state types.AxisState) error {
	data, err := stateData(state)
	if err != nil {
		return err
	}
	return s.Broadcast(types.IPCMessage{
		Type:      types.MsgAxisState,
		Source:    "server",
		Data:      data,
		Timestamp: state.Timestamp,
		ID:        uuid.NewString(),
	})
}

func (s *IPCServer) Close() error {
	return s.Stop()
}

func (s *IPCServer) ClientCount() int {
	s.clientsLock.RLock()
	defer s.clientsLock.RUnlock()
	return len(s.clients)
}

// encode frames a message as one newline-terminated JSON object.
func encode(message types.IPCMessage) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

func stateData(state types.AxisState) (map[string]interface{}, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal axis state: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// StateFromMessage decodes the axis state carried by an axis_state message.
func StateFromMessage(message types.IPCMessage) (types.AxisState, error) {
	var state types.AxisState
	raw, err := json.Marshal(message.Data)
	if err != nil {
		return state, err
	}
	err = json.Unmarshal(raw, &state)
	return state, err
}
