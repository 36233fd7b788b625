package link

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ControllerMetrics counts interval requests. All fields are updated atomically.
type ControllerMetrics struct {
	Requested int64 // requests handed to the link
	Rejected  int64 // requests the link returned an error for
	Skipped   int64 // Apply calls made while no link was attached
}

// Controller issues the connection-interval request for a Profile on the active link.
//
// Requests are fire-and-forget: the controller never waits for the negotiated value and
// never retries. What it remembers is the last profile it asked for, not what the
// central granted.
type Controller struct {
	links     *Holder
	logger    *logrus.Logger
	requested atomic.Int32 // last requested Profile, -1 when none since attach
	metrics   ControllerMetrics
}

// NewController creates a controller that targets whatever link h holds.
func NewController(h *Holder, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Controller{links: h, logger: logger}
	c.requested.Store(-1)
	return c
}

// Apply requests the interval for p on the active link. Without a link it does nothing.
func (c *Controller) Apply(p Profile) {
	l := c.links.Current()
	if l == nil {
		atomic.AddInt64(&c.metrics.Skipped, 1)
		c.logger.WithField("profile", p).Debug("No active link, profile request skipped")
		return
	}

	units := p.Interval()
	c.requested.Store(int32(p))
	atomic.AddInt64(&c.metrics.Requested, 1)

	log := c.logger.WithFields(logrus.Fields{
		"profile":        p,
		"interval_units": units,
		"interval":       p.Duration(),
		"address":        l.Addr(),
	})
	if err := l.RequestConnectionInterval(units); err != nil {
		atomic.AddInt64(&c.metrics.Rejected, 1)
		log.WithError(err).Debug("Connection interval request not accepted by link")
		return
	}
	log.Debug("Requested connection interval")
}

// Requested returns the last profile requested since the current link was attached.
func (c *Controller) Requested() (Profile, bool) {
	v := c.requested.Load()
	if v < 0 {
		return 0, false
	}
	return Profile(v), true
}

// Forget clears the last requested profile, e.g. when the link goes away.
func (c *Controller) Forget() {
	c.requested.Store(-1)
}

// Metrics returns a snapshot of the request counters.
func (c *Controller) Metrics() ControllerMetrics {
	return ControllerMetrics{
		Requested: atomic.LoadInt64(&c.metrics.Requested),
		Rejected:  atomic.LoadInt64(&c.metrics.Rejected),
		Skipped:   atomic.LoadInt64(&c.metrics.Skipped),
	}
}
