// Package modbus mirrors axis state into holding registers of an external
// Modbus TCP server, typically a PLC or HMI watching the simulated bench.
//
// Each axis owns a block of four registers at BaseAddress + index*4, where
// index is the axis position in sorted id order:
//
//	+0, +1  position in user units times Scale, int32 big-endian
//	+2      status word: bit0 moving, bit1 lower limit, bit2 upper limit, bit3 power
//	+3      sequence counter, incremented on every write
package modbus

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"sync"

	gomodbus "github.com/goburrow/modbus"

	"motorsim/internal/hardware/comm"
	"motorsim/pkg/types"
)

const RegistersPerAxis = 4

// Status word bits.
const (
	StatusMoving uint16 = 1 << iota
	StatusLowerLimit
	StatusUpperLimit
	StatusPower
)

// RegisterWriter is the part of a Modbus client the mirror needs.
type RegisterWriter interface {
	WriteMultipleRegisters(address, quantity uint16, value []byte) (results []byte, err error)
}

type Mirror struct {
	*comm.BaseCommunication
	config types.ModbusConfig
	client RegisterWriter
	closer io.Closer

	mu    sync.Mutex
	index map[types.AxisID]uint16
	seq   map[types.AxisID]uint16
}

// NewMirror lays the register blocks out for axes over an existing client.
func NewMirror(config types.ModbusConfig, client RegisterWriter, axes []types.AxisID) *Mirror {
	if config.Scale <= 0 {
		config.Scale = 1000
	}

	sorted := make([]types.AxisID, len(axes))
	copy(sorted, axes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := make(map[types.AxisID]uint16, len(sorted))
	for i, id := range sorted {
		index[id] = uint16(i)
	}

	m := &Mirror{
		BaseCommunication: comm.NewBaseCommunication("modbus_mirror", comm.ConnectionConfig{
			Timeout:    config.Timeout,
			RetryCount: config.RetryCount,
		}),
		config: config,
		client: client,
		index:  index,
		seq:    make(map[types.AxisID]uint16, len(sorted)),
	}
	m.SetStatus(comm.StatusConnected)
	return m
}

// Dial connects to the Modbus TCP server named in config.
func Dial(config types.ModbusConfig, axes []types.AxisID) (*Mirror, error) {
	handler := gomodbus.NewTCPClientHandler(config.Address)
	if config.Timeout > 0 {
		handler.Timeout = config.Timeout
	}
	handler.SlaveId = config.SlaveID

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect TCP Modbus %s: %w", config.Address, err)
	}

	m := NewMirror(config, gomodbus.NewClient(handler), axes)
	m.closer = handler
	m.Logger().Info("Modbus mirror connected", "address", config.Address, "slave_id", config.SlaveID, "axes", len(axes))
	return m, nil
}

// Address returns the first register of the axis block.
func (m *Mirror) Address(id types.AxisID) (uint16, bool) {
	i, ok := m.index[id]
	if !ok {
		return 0, false
	}
	return m.config.BaseAddress + i*RegistersPerAxis, true
}

// Publish writes the register block of state.ID.
func (m *Mirror) Publish(ctx context.Context, state types.AxisState) error {
	address, ok := m.Address(state.ID)
	if !ok {
		return fmt.Errorf("axis %s has no modbus register block", state.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.seq[state.ID] + 1
	payload := EncodeState(state, m.config.Scale, seq)

	err := m.RetryWithTimeout(ctx, func() error {
		_, err := m.client.WriteMultipleRegisters(address, RegistersPerAxis, payload)
		return err
	})
	if err != nil {
		return m.HandleWithError(fmt.Errorf("modbus write axis %s at %d: %w", state.ID, address, err))
	}

	m.seq[state.ID] = seq
	m.SetStatus(comm.StatusConnected)
	return nil
}

func (m *Mirror) Close() error {
	m.SetStatus(comm.StatusDisconnected)
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

// EncodeState renders one register block, big-endian as Modbus requires.
func EncodeState(state types.AxisState, scale float64, seq uint16) []byte {
	buf := make([]byte, RegistersPerAxis*2)
	binary.BigEndian.PutUint32(buf[0:4], uint32(scaledPosition(state.Position, scale)))
	binary.BigEndian.PutUint16(buf[4:6], StatusWord(state))
	binary.BigEndian.PutUint16(buf[6:8], seq)
	return buf
}

// DecodePosition reads the position back out of a register block.
func DecodePosition(block []byte, scale float64) float64 {
	return float64(int32(binary.BigEndian.Uint32(block[0:4]))) / scale
}

func StatusWord(state types.AxisState) uint16 {
	var w uint16
	if state.Moving {
		w |= StatusMoving
	}
	if state.LowerLimit {
		w |= StatusLowerLimit
	}
	if state.UpperLimit {
		w |= StatusUpperLimit
	}
	if state.Power {
		w |= StatusPower
	}
	return w
}

// scaledPosition saturates at the int32 range.
func scaledPosition(position, scale float64) int32 {
	v := math.Round(position * scale)
	switch {
	case math.IsNaN(v):
		return 0
	case v > math.MaxInt32:
		return math.MaxInt32
	case v < math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}
