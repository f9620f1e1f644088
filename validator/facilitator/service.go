// Package facilitator maintains the validator's long-lived websocket link to
// the facilitator: it authenticates with the hotkey, heartbeats, dispatches
// inbound job traffic, and pumps job status updates back out in order.
package facilitator

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/forgenet/forge/config/params"
	"github.com/forgenet/forge/crypto/keys"
	"github.com/forgenet/forge/validator/db/kv"
	"github.com/forgenet/forge/validator/protocol"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "facilitator")

const (
	// authTimeout bounds the authentication round trip.
	authTimeout = 10 * time.Second
	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second
	wsReadLimit  = 16 * 1024 * 1024
)

// Handler consumes inbound facilitator traffic. Implementations must not
// block: job requests are dispatched on their own goroutines by the caller
// of this package.
type Handler interface {
	HandleJobRequest(ctx context.Context, req *protocol.V2JobRequest)
	HandleJobCheated(ctx context.Context, req *protocol.V0JobCheated)
}

// Store is the audit sink for connection events.
type Store interface {
	SaveSystemEvent(ctx context.Context, ev *kv.SystemEvent) error
}

// Config options for the facilitator service.
type Config struct {
	Endpoint string
	Signer   *keys.Keypair
	Store    Store
	Handler  Handler
}

// Service owns the facilitator connection for the lifetime of the validator.
type Service struct {
	endpoint string
	signer   *keys.Keypair
	store    Store
	handler  Handler

	queueMu sync.Mutex
	queue   []*protocol.JobStatusUpdate
	wake    chan struct{}

	// wasConnected gates audit events to state transitions so a flapping
	// link does not flood the event store.
	wasConnected bool
}

// New creates the facilitator service.
func New(cfg *Config) *Service {
	return &Service{
		endpoint: cfg.Endpoint,
		signer:   cfg.Signer,
		store:    cfg.Store,
		handler:  cfg.Handler,
		wake:     make(chan struct{}, 1),
	}
}

// SendStatus queues one job status update for delivery. Updates are delivered
// in enqueue order and survive reconnects.
func (s *Service) SendStatus(update *protocol.JobStatusUpdate) {
	s.queueMu.Lock()
	s.queue = append(s.queue, update)
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// QueuedStatusUpdates returns the number of undelivered updates.
func (s *Service) QueuedStatusUpdates() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// Run connects and serves the link until the context ends, reconnecting with
// capped exponential backoff.
func (s *Service) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		established, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.WithError(err).Warn("Facilitator session ended, reconnecting")
		s.noteDisconnected(err)
		reconnects.Inc()

		// A session that authenticated resets the backoff ladder.
		if established {
			attempt = 0
		}
		wait := backoff(params.ForgeNetworkConfig().ReconnectBackoffMin, attempt, params.ForgeNetworkConfig().ReconnectBackoffSteps)
		attempt++
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func backoff(minWait time.Duration, attempt, steps int) time.Duration {
	if attempt >= steps {
		attempt = steps - 1
	}
	return minWait << uint(attempt)
}

// session runs one connection to completion. The returned bool reports
// whether authentication succeeded before the session ended.
func (s *Service) session(ctx context.Context) (bool, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			if closeErr := resp.Body.Close(); closeErr != nil {
				log.WithError(closeErr).Debug("Could not close handshake response body")
			}
		}
		return false, errors.Wrap(err, "could not dial facilitator")
	}
	conn.SetReadLimit(wsReadLimit)
	defer func() {
		if err := conn.Close(); err != nil {
			log.WithError(err).Debug("Could not close facilitator connection")
		}
	}()

	if err := s.authenticate(conn); err != nil {
		return false, err
	}
	s.noteConnected()
	log.WithField("endpoint", s.endpoint).Info("Connected to facilitator")

	inbound := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := protocol.ParseFacilitatorMessage(raw)
			if err != nil {
				log.WithError(err).Warn("Dropping unparseable facilitator message")
				continue
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(params.ForgeNetworkConfig().HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		if err := s.flushQueue(conn); err != nil {
			return true, err
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-readErr:
			return true, errors.Wrap(err, "read")
		case <-heartbeat.C:
			if err := write(conn, &protocol.V0Heartbeat{}); err != nil {
				return true, errors.Wrap(err, "heartbeat")
			}
		case msg := <-inbound:
			s.dispatch(ctx, msg)
		case <-s.wake:
		}
	}
}

func (s *Service) authenticate(conn *websocket.Conn) error {
	pub := hex.EncodeToString(s.signer.PublicKey())
	if err := write(conn, &protocol.AuthenticationRequest{
		PublicKey: pub,
		Signature: s.signer.Sign([]byte(pub)),
	}); err != nil {
		return errors.Wrap(err, "could not send authentication")
	}
	if err := conn.SetReadDeadline(time.Now().Add(authTimeout)); err != nil {
		return errors.Wrap(err, "could not set read deadline")
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return errors.Wrap(err, "could not read authentication response")
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return errors.Wrap(err, "could not clear read deadline")
	}
	msg, err := protocol.ParseFacilitatorMessage(raw)
	if err != nil {
		return errors.Wrap(err, "could not parse authentication response")
	}
	ack, ok := msg.(*protocol.Response)
	if !ok {
		return errors.Errorf("expected an authentication response, got %s", msg.MessageType())
	}
	if ack.Failed() {
		return errors.Errorf("facilitator rejected authentication: %v", ack.Errors)
	}
	return nil
}

// flushQueue delivers pending status updates head-first. An update is only
// dequeued after its write succeeds, so a broken session retransmits the
// head on reconnect rather than dropping it.
func (s *Service) flushQueue(conn *websocket.Conn) error {
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.queueMu.Unlock()
			return nil
		}
		head := s.queue[0]
		s.queueMu.Unlock()

		if err := write(conn, head); err != nil {
			return errors.Wrapf(err, "could not deliver status update for job %s", head.UUID)
		}
		statusUpdatesSent.Inc()
		s.queueMu.Lock()
		s.queue = s.queue[1:]
		s.queueMu.Unlock()
	}
}

func (s *Service) dispatch(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.V2JobRequest:
		jobRequestsReceived.Inc()
		log.WithFields(logrus.Fields{
			"job":           m.UUID,
			"executorClass": m.ExecutorClass,
		}).Info("Received organic job request")
		go s.handler.HandleJobRequest(ctx, m)
	case *protocol.V0JobCheated:
		cheatedReportsReceived.Inc()
		log.WithField("job", m.JobUUID).Warn("Received cheated-job report")
		go s.handler.HandleJobCheated(ctx, m)
	case *protocol.Response:
		if m.Failed() {
			log.WithField("errors", m.Errors).Warn("Facilitator rejected a message")
		}
	}
}

func write(conn *websocket.Conn, msg protocol.Message) error {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func (s *Service) noteConnected() {
	if s.wasConnected {
		return
	}
	s.wasConnected = true
	s.audit("CONNECTED", "Facilitator link established", nil)
}

func (s *Service) noteDisconnected(cause error) {
	if !s.wasConnected {
		return
	}
	s.wasConnected = false
	data := map[string]interface{}{}
	if cause != nil {
		data["error"] = cause.Error()
	}
	s.audit("DISCONNECTED", "Facilitator link lost", data)
}

func (s *Service) audit(subtype, description string, data map[string]interface{}) {
	ev := &kv.SystemEvent{
		Type:            kv.EventFacilitatorConnection,
		Subtype:         subtype,
		LongDescription: description,
		Data:            data,
	}
	if err := s.store.SaveSystemEvent(context.Background(), ev); err != nil {
		log.WithError(err).Error("Could not record facilitator connection event")
	}
}
