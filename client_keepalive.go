package ftp

import (
	"time"

	"go.uber.org/zap"
)

// startKeepAlive starts a goroutine that sends NOOP commands
// if the connection has been idle for the configured idleTimeout.
func (c *Client) startKeepAlive() {
	if c.idleTimeout == 0 {
		return
	}

	c.quitChan = make(chan struct{})

	// We use a ticker that runs at half the idle timeout to be safe
	ticker := time.NewTicker(c.idleTimeout / 2)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.keepAlive()
			case <-c.quitChan:
				return
			}
		}
	}()
}

func (c *Client) keepAlive() {
	last := time.Unix(0, c.lastCommand.Load())
	if time.Since(last) < c.idleTimeout {
		return
	}

	// A busy client (transfer in progress) keeps the channel alive itself.
	if !c.mu.TryLock() {
		return
	}
	defer c.mu.Unlock()

	if c.State() == Disconnected {
		return
	}
	c.logger.Debug("sending keep-alive NOOP")
	if _, err := c.exchange("NOOP"); err != nil {
		c.logger.Debug("keep-alive failed", zap.Error(err))
	}
}

func (c *Client) stopKeepAlive() {
	c.quitOnce.Do(func() {
		if c.quitChan != nil {
			close(c.quitChan)
		}
	})
}
