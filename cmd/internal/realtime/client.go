package realtime

import "sync"

// Client represents one connected websocket for an account.
//
// Send is never closed by the server so concurrent publishers cannot panic.
// done signals goroutines to stop; Close is idempotent.
type Client struct {
	ConnID    string
	AccountID string
	Send      chan Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(accountID, connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 16
	}
	return &Client{
		ConnID:    connID,
		AccountID: accountID,
		Send:      make(chan Envelope, sendQueueSize),
		done:      make(chan struct{}),
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
