package handshake

// handshakeContext tracks the nonces an initiator has emitted for one
// session's outstanding SessionRequest(s). Per spec.md §4.8, a retried
// request draws a fresh nonce each attempt but old nonces stay bound so a
// late accept for an earlier attempt still verifies.
type handshakeContext struct {
	nonces map[string]struct{}
}

func newHandshakeContext() *handshakeContext {
	return &handshakeContext{nonces: make(map[string]struct{})}
}

func (c *handshakeContext) record(nonce []byte) {
	c.nonces[string(nonce)] = struct{}{}
}

func (c *handshakeContext) has(nonce []byte) bool {
	_, ok := c.nonces[string(nonce)]
	return ok
}

// contextLocked returns the handshake context for sessionID, creating one
// if absent. Caller must hold e.mu.
func (e *Engine) contextLocked(sessionID string) *handshakeContext {
	ctx, ok := e.contexts[sessionID]
	if !ok {
		ctx = newHandshakeContext()
		e.contexts[sessionID] = ctx
	}
	return ctx
}

// ForgetSession discards the handshake context for sessionID. Called by the
// engine when it drops a session, so outstanding nonces
// don't accumulate for the life of the process.
func (e *Engine) ForgetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, sessionID)
}
