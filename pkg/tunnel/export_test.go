package tunnel

// SetSendCounter positions the channel's send nonce counter.
func SetSendCounter(c *SecureChannel, counter uint64) error {
	return c.send.SetCounter(counter)
}
