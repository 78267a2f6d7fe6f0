package httpapi

import (
	"github.com/jkaninda/okapi"
)

// handleEventStream handles GET /v1/events/sse. It streams every lifecycle
// event as a server-sent event until the client disconnects.
func (g *Gateway) handleEventStream(c *okapi.Context) error {
	if g.events == nil {
		return c.AbortServiceUnavailable("event stream not configured")
	}
	sub, cancel := g.events.Subscribe()
	defer cancel()

	ctx := c.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			c.SSEvent(ev.Type, ev)
		}
	}
}
