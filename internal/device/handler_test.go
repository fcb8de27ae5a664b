package device

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motorsim/internal/logging"
	"motorsim/internal/motor"
	"motorsim/pkg/types"
)

func request(kind string, data map[string]interface{}) types.IPCMessage {
	return types.IPCMessage{Type: kind, Source: "client-1", ID: "req-1", Data: data}
}

func TestHandleMove(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	reply := c.HandleMessage(request(types.MsgMove, map[string]interface{}{"axis": "x", "position": 1000.0}))

	assert.Equal(t, types.MsgResponse, reply.Type)
	assert.Equal(t, "client-1", reply.Target)
	assert.Equal(t, "req-1", reply.ID)
	state, ok := reply.Data["state"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, state["moving"])

	clock.Set(at(1))
	reply = c.HandleMessage(request(types.MsgStatus, map[string]interface{}{"axis": "x"}))
	state = reply.Data["state"].(map[string]interface{})
	assert.InDelta(t, 26.5, state["position"], 1e-9)
}

func TestHandleMoveWithDuration(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	reply := c.HandleMessage(request(types.MsgMove, map[string]interface{}{
		"axis": "x", "position": 1000.0, "duration": "20s",
	}))
	require.Equal(t, types.MsgResponse, reply.Type, reply.Data)

	clock.Set(at(19.9))
	st, _ := c.State("x")
	assert.True(t, st.Moving)
	clock.Set(at(20.001))
	st, _ = c.State("x")
	assert.False(t, st.Moving)
	assert.Equal(t, 1000.0, st.Position)
}

func TestHandleTimedMoveRejectedKeepsProfile(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	require.NoError(t, c.SetPower("x", false))

	reply := c.HandleMessage(request(types.MsgMove, map[string]interface{}{
		"axis": "x", "position": 1000.0, "duration": "20s",
	}))
	assert.Equal(t, types.MsgError, reply.Type)
	assert.Contains(t, reply.Data["error"], motor.ErrPowerOff.Error())
	assert.Equal(t, 100.0, c.Snapshot()["x"].MaxVelocity)

	require.NoError(t, c.SetPower("x", true))
	require.NoError(t, c.Move("x", 1000))
	clock.Set(at(1))
	reply = c.HandleMessage(request(types.MsgMove, map[string]interface{}{
		"axis": "x", "position": 0.0, "duration": 30.0,
	}))
	assert.Equal(t, types.MsgError, reply.Type)
	assert.Equal(t, 100.0, c.Snapshot()["x"].MaxVelocity)
}

func TestHandleFailureLogsOneLine(t *testing.T) {
	t.Parallel()

	c, _ := newBench(t)
	var buf bytes.Buffer
	c.logger = logging.NewWithWriter(&logging.Config{Level: "warn", Format: "text"}, &buf)

	reply := c.HandleMessage(request(types.MsgAbort, map[string]interface{}{"axis": "nope"}))
	require.Equal(t, types.MsgError, reply.Type)

	out := strings.TrimSpace(buf.String())
	assert.Contains(t, out, "unknown axis")
	assert.NotContains(t, out, "\n")
	assert.NotContains(t, out, ".go:")
}

func TestHandleStatusAllAxes(t *testing.T) {
	t.Parallel()

	c, _ := newBench(t)
	reply := c.HandleMessage(request(types.MsgStatus, nil))
	require.Equal(t, types.MsgResponse, reply.Type)
	axes, ok := reply.Data["axes"].([]interface{})
	require.True(t, ok)
	assert.Len(t, axes, 2)
}

func TestHandleErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]types.IPCMessage{
		"missing axis":      request(types.MsgMove, map[string]interface{}{"position": 1.0}),
		"unknown axis":      request(types.MsgAbort, map[string]interface{}{"axis": "nope"}),
		"missing position":  request(types.MsgMove, map[string]interface{}{"axis": "x"}),
		"non-numeric delta": request(types.MsgMoveRelative, map[string]interface{}{"axis": "x", "delta": "far"}),
		"missing on":        request(types.MsgPower, map[string]interface{}{"axis": "x"}),
		"missing config":    request(types.MsgConfigure, map[string]interface{}{"axis": "x"}),
		"bad duration":      request(types.MsgMove, map[string]interface{}{"axis": "x", "position": 1.0, "duration": "soon"}),
		"unsupported":       request("spin", map[string]interface{}{"axis": "x"}),
	}
	for name, msg := range cases {
		msg := msg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			c, _ := newBench(t)
			reply := c.HandleMessage(msg)
			assert.Equal(t, types.MsgError, reply.Type)
			assert.NotEmpty(t, reply.Data["error"])
			assert.Equal(t, "req-1", reply.ID)
		})
	}
}

func TestHandlePowerConfigureSetPosition(t *testing.T) {
	t.Parallel()

	c, _ := newBench(t)

	reply := c.HandleMessage(request(types.MsgPower, map[string]interface{}{"axis": "x", "on": false}))
	require.Equal(t, types.MsgResponse, reply.Type)
	assert.Equal(t, false, reply.Data["state"].(map[string]interface{})["power"])

	reply = c.HandleMessage(request(types.MsgSetPosition, map[string]interface{}{"axis": "x", "position": 7.5}))
	require.Equal(t, types.MsgResponse, reply.Type)
	assert.Equal(t, 7.5, reply.Data["state"].(map[string]interface{})["position"])

	reply = c.HandleMessage(request(types.MsgConfigure, map[string]interface{}{
		"axis": "x",
		"config": map[string]interface{}{
			"min_velocity":      0.0,
			"max_velocity":      10.0,
			"acceleration_time": 1.0,
			"deceleration_time": 1.0,
			"step_per_unit":     4.0,
			"power":             true,
		},
	}))
	require.Equal(t, types.MsgResponse, reply.Type, reply.Data)
	snap := c.Snapshot()["x"]
	assert.Equal(t, 4.0, snap.StepPerUnit)
	assert.True(t, snap.Power)
	// raw position is kept, so the user position follows the new scale
	assert.Equal(t, 7.5/4, snap.Position)
}
