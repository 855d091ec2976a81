package patchbay

import (
	"github.com/sirupsen/logrus"

	"github.com/sonarca/patchbay/sys"
)

// AsyncClient is a Client whose handler is live: the engine invokes the
// handler's callbacks asynchronously until Deactivate. It embeds the
// underlying Client, so the full shared capability set stays available
// while active. Do not call Close on the embedded client while active;
// deactivate first.
type AsyncClient struct {
	*Client
	state *handlerState
}

// Activate registers the handler's callbacks with the engine and adds the
// client to the process graph. The handler must remain valid until
// Deactivate returns; the bridge keeps the backing allocation referenced
// for exactly that window.
func (c *Client) Activate(handler Handler) (*AsyncClient, error) {
	if c.c == nil {
		return nil, ErrClientActivation
	}
	state, err := registerCallbacks(handler, c.c)
	if err != nil {
		return nil, err
	}
	if sys.Activate(c.c) != 0 {
		_ = clearCallbacks(c.c)
		return nil, ErrClientActivation
	}
	logrus.WithFields(logrus.Fields{
		"function": "Client.Activate",
		"client":   c.Name(),
	}).Info("Client activated with handler")
	return &AsyncClient{Client: c, state: state}, nil
}

// Deactivate removes the client from the process graph, clears the native
// callback registrations and releases the handler state. It returns only
// after the engine can no longer invoke any callback, so the handler may
// be discarded afterwards. The inactive Client is returned for reuse or
// closing.
func (ac *AsyncClient) Deactivate() (*Client, error) {
	client := ac.Client
	if client == nil || client.c == nil {
		return client, ErrClientDeactivation
	}
	if sys.Deactivate(client.c) != 0 {
		return nil, ErrClientDeactivation
	}
	if err := clearCallbacks(client.c); err != nil {
		return nil, err
	}
	ac.state = nil
	logrus.WithFields(logrus.Fields{
		"function": "AsyncClient.Deactivate",
		"client":   client.Name(),
	}).Info("Client deactivated")
	return client, nil
}
