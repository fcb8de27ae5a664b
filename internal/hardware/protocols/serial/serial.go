// Package serial mirrors axis state as ASCII lines on a serial port, one line
// per change:
//
//	AXIS <id> POS <position> MOV <0|1> LIM <-|L|U> PWR <0|1>\r\n
package serial

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/jacobsa/go-serial/serial"

	"motorsim/internal/hardware/comm"
	"motorsim/pkg/types"
)

type LineMirror struct {
	*comm.BaseCommunication
	mu   sync.Mutex
	port io.WriteCloser
}

// Open opens the port described by config.
func Open(config types.SerialConfig) (*LineMirror, error) {
	options := serial.OpenOptions{
		PortName:        config.PortName,
		BaudRate:        uint(config.BaudRate),
		DataBits:        uint(config.DataBits),
		StopBits:        uint(config.StopBits),
		MinimumReadSize: 1,
	}
	if options.DataBits == 0 {
		options.DataBits = 8
	}
	if options.StopBits == 0 {
		options.StopBits = 1
	}

	switch strings.ToUpper(config.Parity) {
	case "E":
		options.ParityMode = serial.PARITY_EVEN
	case "O":
		options.ParityMode = serial.PARITY_ODD
	default:
		options.ParityMode = serial.PARITY_NONE
	}

	port, err := serial.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", config.PortName, err)
	}

	m := NewLineMirror(port, config.RetryCount)
	m.Logger().Info("Serial mirror opened", "port", config.PortName, "baud_rate", config.BaudRate)
	return m, nil
}

// NewLineMirror writes status lines to w.
func NewLineMirror(w io.WriteCloser, retryCount int) *LineMirror {
	m := &LineMirror{
		BaseCommunication: comm.NewBaseCommunication("serial_mirror", comm.ConnectionConfig{RetryCount: retryCount}),
		port:              w,
	}
	m.SetStatus(comm.StatusConnected)
	return m
}

func (m *LineMirror) Publish(ctx context.Context, state types.AxisState) error {
	line := []byte(FormatLine(state))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port == nil {
		return fmt.Errorf("serial port is closed")
	}

	err := m.RetryWithTimeout(ctx, func() error {
		_, err := m.port.Write(line)
		return err
	})
	if err != nil {
		return m.HandleWithError(fmt.Errorf("serial write axis %s: %w", state.ID, err))
	}
	return nil
}

func (m *LineMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	m.SetStatus(comm.StatusDisconnected)
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

func FormatLine(state types.AxisState) string {
	limit := "-"
	switch {
	case state.LowerLimit:
		limit = "L"
	case state.UpperLimit:
		limit = "U"
	}
	return fmt.Sprintf("AXIS %s POS %s MOV %s LIM %s PWR %s\r\n",
		state.ID,
		strconv.FormatFloat(state.Position, 'f', -1, 64),
		flag(state.Moving),
		limit,
		flag(state.Power),
	)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
