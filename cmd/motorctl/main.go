// Command motorctl drives a running motorsim over IPC: move, abort, query
// axes and watch their state as it changes.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"motorsim/internal/ipc"
	"motorsim/internal/logging"
	"motorsim/pkg/types"
)

type Controller struct {
	ipcClient *ipc.IPCClient
	logger    *logging.Logger
}

func NewController(config types.IPCConfig) *Controller {
	return &Controller{
		ipcClient: ipc.NewIPCClient(config),
		logger:    logging.GetLogger("motorctl"),
	}
}

func (c *Controller) Start() error {
	if err := c.ipcClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to IPC server: %w", err)
	}
	return nil
}

func (c *Controller) Stop() {
	c.ipcClient.Disconnect()
}

func (c *Controller) request(ctx context.Context, kind string, data map[string]interface{}) error {
	reply, err := c.ipcClient.Request(ctx, types.IPCMessage{
		Type:   kind,
		Source: "motorctl",
		Target: "controller",
		Data:   data,
	})
	if err != nil {
		return err
	}
	return printJSON(reply.Data)
}

func (c *Controller) Move(ctx context.Context, axis string, position float64, duration time.Duration) error {
	data := map[string]interface{}{"axis": axis, "position": position}
	if duration > 0 {
		data["duration"] = duration.String()
	}
	return c.request(ctx, types.MsgMove, data)
}

func (c *Controller) MoveRelative(ctx context.Context, axis string, delta float64) error {
	return c.request(ctx, types.MsgMoveRelative, map[string]interface{}{"axis": axis, "delta": delta})
}

func (c *Controller) Abort(ctx context.Context, axis string) error {
	return c.request(ctx, types.MsgAbort, map[string]interface{}{"axis": axis})
}

func (c *Controller) Power(ctx context.Context, axis string, on bool) error {
	return c.request(ctx, types.MsgPower, map[string]interface{}{"axis": axis, "on": on})
}

func (c *Controller) SetPosition(ctx context.Context, axis string, position float64) error {
	return c.request(ctx, types.MsgSetPosition, map[string]interface{}{"axis": axis, "position": position})
}

func (c *Controller) Status(ctx context.Context, axis string) error {
	data := map[string]interface{}{}
	if axis != "" {
		data["axis"] = axis
	}
	return c.request(ctx, types.MsgStatus, data)
}

// Watch prints axis_state broadcasts until ctx is done. An empty axis
// watches all of them.
func (c *Controller) Watch(ctx context.Context, axis string) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.ipcClient.Receive():
			if !ok {
				c.logger.Warn("Server closed the connection")
				return
			}
			if message.Type != types.MsgAxisState {
				continue
			}
			state, err := ipc.StateFromMessage(message)
			if err != nil {
				c.logger.Warn("Undecodable axis state", "error", err.Error())
				continue
			}
			if axis != "" && string(state.ID) != axis {
				continue
			}
			fmt.Printf("%s %-8s pos=%-12.4f vel=%-10.4f moving=%-5v lim=%s power=%v\n",
				state.Timestamp.Format("15:04:05.000"), state.ID, state.Position, state.Velocity,
				state.Moving, limitFlag(state), state.Power)
		}
	}
}

func limitFlag(state types.AxisState) string {
	switch {
	case state.LowerLimit:
		return "L"
	case state.UpperLimit:
		return "U"
	default:
		return "-"
	}
}

func printJSON(data map[string]interface{}) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	var (
		address  = flag.String("address", "127.0.0.1", "IPC server address")
		port     = flag.Int("port", 18080, "IPC server port")
		axis     = flag.String("axis", "", "Axis id")
		move     = flag.Float64("move", 0, "Move to absolute position (user units)")
		rel      = flag.Float64("rel", 0, "Move by relative distance (user units)")
		duration = flag.Duration("duration", 0, "Retune max velocity so the -move lasts this long")
		abort    = flag.Bool("abort", false, "Abort the axis")
		power    = flag.String("power", "", "Switch axis power: on or off")
		setPos   = flag.Float64("set-position", 0, "Redefine the current position (user units)")
		status   = flag.Bool("status", false, "Print axis state (all axes when -axis is empty)")
		watch    = flag.Bool("watch", false, "Stream axis state changes until interrupted")
		timeout  = flag.Duration("timeout", 5*time.Second, "Request timeout")
	)

	flag.Parse()

	if err := logging.Configure(&logging.Config{Level: "warn", Format: "text", Output: "stderr"}); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	ctl := NewController(types.IPCConfig{
		Address:    *address,
		Port:       *port,
		Timeout:    *timeout,
		BufferSize: 256,
	})
	if err := ctl.Start(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer ctl.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	needsAxis := set["move"] || set["rel"] || *abort || set["power"] || set["set-position"]
	if needsAxis && *axis == "" {
		fmt.Fprintln(os.Stderr, "-axis is required")
		os.Exit(2)
	}

	var err error
	switch {
	case *abort:
		err = ctl.Abort(ctx, *axis)
	case set["move"]:
		err = ctl.Move(ctx, *axis, *move, *duration)
	case set["rel"]:
		err = ctl.MoveRelative(ctx, *axis, *rel)
	case set["power"]:
		err = ctl.Power(ctx, *axis, *power == "on")
	case set["set-position"]:
		err = ctl.SetPosition(ctx, *axis, *setPos)
	case *status || !*watch:
		err = ctl.Status(ctx, *axis)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *watch {
		ctl.Watch(ctx, *axis)
	}
}
