// Package minerclient speaks the per-job miner protocol over an outbound
// websocket. A client is dedicated to one job and never shared: the driver
// opens it, exchanges the job negotiation messages, and closes it at the
// terminal state.
package minerclient

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/forgenet/forge/crypto/keys"
	"github.com/forgenet/forge/validator/protocol"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "miner-client")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// wsReadLimit bounds one inbound frame; receipts batches dominate size.
	wsReadLimit = 32 * 1024 * 1024
	// wsWriteTimeout bounds a single frame write.
	wsWriteTimeout = 10 * time.Second
	// recvBuffer decouples the read loop from a slow driver.
	recvBuffer = 16
)

// ErrConnectionClosed is returned on sends after the peer went away.
var ErrConnectionClosed = errors.New("miner connection closed")

// Client is one job's connection to a miner.
type Client struct {
	conn        *websocket.Conn
	minerHotkey string

	writeMu sync.Mutex
	recv    chan protocol.Message
	// readErr holds the error that ended the read loop, readable once recv
	// is closed.
	readErrMu sync.Mutex
	readErr   error

	closeOnce sync.Once
}

// Connect dials a miner's validator interface and authenticates with the
// validator hotkey.
func Connect(ctx context.Context, address string, port uint16, minerHotkey string, signer *keys.Keypair) (*Client, error) {
	endpoint := fmt.Sprintf("ws://%s/v0.1/validator_interface/%s", net.JoinHostPort(address, fmt.Sprintf("%d", port)), signer.Address())
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			if closeErr := resp.Body.Close(); closeErr != nil {
				log.WithError(closeErr).Debug("Could not close handshake response body")
			}
		}
		return nil, errors.Wrapf(err, "could not dial miner %s", minerHotkey)
	}
	conn.SetReadLimit(wsReadLimit)

	c := &Client{
		conn:        conn,
		minerHotkey: minerHotkey,
		recv:        make(chan protocol.Message, recvBuffer),
	}
	if err := c.authenticate(ctx, signer); err != nil {
		if closeErr := c.Close(); closeErr != nil {
			log.WithError(closeErr).Debug("Could not close miner connection")
		}
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, signer *keys.Keypair) error {
	payload := protocol.AuthenticationPayload{
		ValidatorHotkey: signer.Address(),
		MinerHotkey:     c.minerHotkey,
		Timestamp:       time.Now().Unix(),
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "could not encode authentication payload")
	}
	return c.Send(ctx, &protocol.V0AuthenticateRequest{
		Payload:   payload,
		Signature: signer.Sign(blob),
	})
}

// Send writes one message, honoring the context deadline.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "could not set write deadline")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return errors.Wrapf(ErrConnectionClosed, "write %s: %v", msg.MessageType(), err)
	}
	return nil
}

// Receive returns the inbound message stream. The channel closes when the
// connection ends; Err explains why.
func (c *Client) Receive() <-chan protocol.Message {
	return c.recv
}

// Err returns the error that terminated the read loop, if any.
func (c *Client) Err() error {
	c.readErrMu.Lock()
	defer c.readErrMu.Unlock()
	return c.readErr
}

func (c *Client) readLoop() {
	defer close(c.recv)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.readErrMu.Lock()
			c.readErr = err
			c.readErrMu.Unlock()
			return
		}
		msg, err := protocol.ParseMinerMessage(raw)
		if err != nil {
			// A malformed frame is the miner's problem, not a reason to
			// tear down the job.
			log.WithError(err).WithField("miner", c.minerHotkey).Warn("Dropping unparseable miner message")
			continue
		}
		c.recv <- msg
	}
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		if writeErr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); writeErr != nil {
			log.WithError(writeErr).Debug("Could not write close frame")
		}
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
