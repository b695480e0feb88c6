package scanner

import (
	"go.uber.org/zap"

	"github.com/winss-go/winss/internal/wire"
)

// Controller bridges an inbound pipe server's received bytes to Scanner
// commands (spec §4.12).
type Controller struct {
	scan *Scanner
	log  *zap.Logger
}

// NewController constructs a Controller for scan.
func NewController(scan *Scanner, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{scan: scan, log: log}
}

// Connected and Disconnected implement pipe.ReceiveListener; the scanner's
// command channel has no per-connection state to track.
func (c *Controller) Connected()    {}
func (c *Controller) Disconnected() {}

// Received dispatches each command byte per spec §4.12 and always keeps
// listening (returns true).
func (c *Controller) Received(data []byte) bool {
	for _, b := range data {
		cmd := wire.ScanCommand(b)
		switch cmd {
		case wire.ScanAlarm:
			c.scan.Scan(false)
		case wire.ScanAbort:
			c.scan.Exit(false)
		case wire.ScanNuke:
			c.scan.CloseAllServices(false)
		case wire.ScanQuit:
			c.scan.Exit(true)
		default:
			c.log.Warn("unknown scanner command", zap.ByteString("byte", []byte{b}))
		}
	}
	return true
}
