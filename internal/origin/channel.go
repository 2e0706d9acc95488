package origin

import "sync"

// Channel is one tab's endpoint on a named broadcast channel. Posted data
// reaches every other open endpoint with the same name, never the sender.
type Channel struct {
	name string
	tab  *Tab

	mu      sync.Mutex
	handler func([]byte)
	closed  bool
}

func (c *Channel) Name() string { return c.name }

// OnMessage sets the receive handler. It runs on the owning tab's loop.
func (c *Channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Post delivers a copy of data to every other endpoint asynchronously.
func (c *Channel) Post(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	o := c.tab.origin
	o.mu.Lock()
	targets := make([]*Channel, 0, len(o.channels[c.name]))
	for peer := range o.channels[c.name] {
		if peer != c {
			targets = append(targets, peer)
		}
	}
	o.mu.Unlock()

	for _, peer := range targets {
		peer := peer
		msg := append([]byte(nil), data...)
		peer.tab.Loop.Post(func() { peer.deliver(msg) })
	}
	return nil
}

func (c *Channel) deliver(data []byte) {
	c.mu.Lock()
	fn := c.handler
	closed := c.closed
	c.mu.Unlock()
	if closed || fn == nil {
		return
	}
	fn(data)
}

// Close detaches the endpoint. Later Posts fail with ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.handler = nil
	c.mu.Unlock()

	o := c.tab.origin
	o.mu.Lock()
	if peers, ok := o.channels[c.name]; ok {
		delete(peers, c)
		if len(peers) == 0 {
			delete(o.channels, c.name)
		}
	}
	o.mu.Unlock()
}
