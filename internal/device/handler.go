package device

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"motorsim/pkg/types"
)

// RequestTypes lists the IPC message types HandleMessage answers.
var RequestTypes = []string{
	types.MsgMove,
	types.MsgMoveRelative,
	types.MsgAbort,
	types.MsgStatus,
	types.MsgPower,
	types.MsgConfigure,
	types.MsgSetPosition,
}

// HandleMessage executes an IPC request and builds the reply addressed to its
// sender. Failures become MsgError replies carrying the error text.
func (c *Controller) HandleMessage(request types.IPCMessage) types.IPCMessage {
	data, err := c.dispatch(request)
	reply := types.IPCMessage{
		Type:      types.MsgResponse,
		Source:    "controller",
		Target:    request.Source,
		Data:      data,
		Timestamp: c.clock.Now(),
		ID:        request.ID,
	}
	if reply.ID == "" {
		reply.ID = uuid.NewString()
	}
	if err != nil {
		c.logger.Warn("Request failed", "type", request.Type, "source", request.Source, "error", err.Error())
		reply.Type = types.MsgError
		reply.Data = map[string]interface{}{"error": err.Error()}
	}
	return reply
}

func (c *Controller) dispatch(request types.IPCMessage) (map[string]interface{}, error) {
	if request.Type == types.MsgStatus {
		if _, ok := request.Data["axis"]; !ok {
			return toData(map[string]interface{}{"axes": c.States()})
		}
	}

	id, err := axisArg(request.Data)
	if err != nil {
		return nil, err
	}

	switch request.Type {
	case types.MsgMove:
		target, err2 := floatArg(request.Data, "position")
		if err2 != nil {
			return nil, err2
		}
		duration, timed := request.Data["duration"]
		if !timed {
			err = c.Move(id, target)
			break
		}
		d, err2 := durationArg(duration)
		if err2 != nil {
			return nil, err2
		}
		err = c.MoveInDuration(id, target, d)
	case types.MsgMoveRelative:
		delta, err2 := floatArg(request.Data, "delta")
		if err2 != nil {
			return nil, err2
		}
		err = c.MoveRelative(id, delta)
	case types.MsgAbort:
		_, err = c.Abort(id)
	case types.MsgStatus:
	case types.MsgPower:
		on, ok := request.Data["on"].(bool)
		if !ok {
			return nil, errors.New("power request needs a boolean \"on\"")
		}
		err = c.SetPower(id, on)
	case types.MsgConfigure:
		var config types.AxisConfig
		if err := fromData(request.Data["config"], &config); err != nil {
			return nil, errors.Wrap(err, "invalid axis config")
		}
		err = c.Configure(id, config)
	case types.MsgSetPosition:
		position, err2 := floatArg(request.Data, "position")
		if err2 != nil {
			return nil, err2
		}
		err = c.SetPosition(id, position)
	default:
		return nil, errors.Errorf("unsupported request type %q", request.Type)
	}
	if err != nil {
		return nil, err
	}

	state, err := c.State(id)
	if err != nil {
		return nil, err
	}
	return toData(map[string]interface{}{"state": state})
}

func axisArg(data map[string]interface{}) (types.AxisID, error) {
	id, ok := data["axis"].(string)
	if !ok || id == "" {
		return "", errors.New("request needs an \"axis\"")
	}
	return types.AxisID(id), nil
}

func floatArg(data map[string]interface{}, key string) (float64, error) {
	v, ok := data[key].(float64)
	if !ok {
		return 0, errors.Errorf("request needs a numeric %q", key)
	}
	return v, nil
}

// durationArg accepts seconds as a number or a Go duration string.
func durationArg(v interface{}) (time.Duration, error) {
	switch d := v.(type) {
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case string:
		parsed, err := time.ParseDuration(d)
		return parsed, errors.Wrap(err, "invalid duration")
	default:
		return 0, errors.Errorf("invalid duration %v", v)
	}
}

func toData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func fromData(v interface{}, out interface{}) error {
	if v == nil {
		return errors.New("missing")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
