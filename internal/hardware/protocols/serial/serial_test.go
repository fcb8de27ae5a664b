package serial

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motorsim/internal/hardware/comm"
	"motorsim/pkg/types"
)

type bufferPort struct {
	bytes.Buffer
	closed   bool
	writeErr error
}

func (b *bufferPort) Write(p []byte) (int, error) {
	if b.writeErr != nil {
		return 0, b.writeErr
	}
	return b.Buffer.Write(p)
}

func (b *bufferPort) Close() error {
	b.closed = true
	return nil
}

func TestFormatLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		state types.AxisState
		want  string
	}{
		{types.AxisState{ID: "x", Position: 26.5, Moving: true, Power: true}, "AXIS x POS 26.5 MOV 1 LIM - PWR 1\r\n"},
		{types.AxisState{ID: "z", Position: 50, UpperLimit: true, Power: true}, "AXIS z POS 50 MOV 0 LIM U PWR 1\r\n"},
		{types.AxisState{ID: "theta", Position: -3, LowerLimit: true}, "AXIS theta POS -3 MOV 0 LIM L PWR 0\r\n"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatLine(tc.state))
	}
}

func TestLineMirrorPublishAndClose(t *testing.T) {
	t.Parallel()

	port := &bufferPort{}
	m := NewLineMirror(port, 0)

	require.NoError(t, m.Publish(context.Background(), types.AxisState{ID: "x", Position: 1, Power: true}))
	require.NoError(t, m.Publish(context.Background(), types.AxisState{ID: "x", Position: 2, Power: true}))
	assert.Equal(t, "AXIS x POS 1 MOV 0 LIM - PWR 1\r\nAXIS x POS 2 MOV 0 LIM - PWR 1\r\n", port.String())

	require.NoError(t, m.Close())
	assert.True(t, port.closed)
	assert.Equal(t, comm.StatusDisconnected, m.GetStatus())
	assert.Error(t, m.Publish(context.Background(), types.AxisState{ID: "x"}))
	assert.NoError(t, m.Close())
}

func TestLineMirrorWriteFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("device not configured")
	m := NewLineMirror(&bufferPort{writeErr: boom}, 0)

	err := m.Publish(context.Background(), types.AxisState{ID: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, comm.StatusError, m.GetStatus())
}
