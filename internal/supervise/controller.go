package supervise

import (
	"go.uber.org/zap"

	"github.com/winss-go/winss/internal/pipe"
	"github.com/winss-go/winss/internal/wire"
)

// Controller bridges one Supervisor and its pair of per-supervisor pipe
// servers (spec §4.7): every Supervisor notification is emitted as one byte
// on the outbound pipe, and every received byte on the inbound pipe is
// dispatched to the matching command. Unknown command bytes are logged and
// ignored.
type Controller struct {
	sup *Supervisor
	out *pipe.OutboundServer
	log *zap.Logger
}

// NewController wires sup to the given outbound notification server.
// Callers register the returned Controller with the inbound command
// server themselves (the Controller implements pipe.ReceiveListener) and
// with the Supervisor's notification listener list via Attach.
func NewController(sup *Supervisor, out *pipe.OutboundServer, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{sup: sup, out: out, log: log.Named("control")}
}

// Attach registers the Controller as a Supervisor notification listener.
func (c *Controller) Attach() {
	c.sup.AddNotificationListener(func(n wire.Notification) bool {
		c.out.Send([]byte{byte(n)})
		return true
	})
}

// Connected implements pipe.ReceiveListener for the inbound command server.
func (c *Controller) Connected() {}

// Disconnected implements pipe.ReceiveListener for the inbound command server.
func (c *Controller) Disconnected() {}

// Received implements pipe.ReceiveListener: each byte of data is one
// command. Unknown bytes are logged and ignored rather than closing the
// connection, per spec §4.7.
func (c *Controller) Received(data []byte) bool {
	for _, b := range data {
		cmd := wire.Command(b)
		if !cmd.Valid() {
			c.log.Warn("unknown command byte", zap.Uint8("byte", b))
			continue
		}
		if err := c.sup.Dispatch(cmd); err != nil {
			c.log.Error("dispatch command", zap.Error(err))
		}
	}
	return true
}
