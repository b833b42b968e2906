package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/rainshield/rainshield/internal/events"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10
)

// PolicyEventStream subscribes to the ledger's policy lifecycle events
// over websocket. The stream is a latency optimization only: the
// registry's periodic reconciliation remains the source of truth, so a
// missed event is recovered on the next reconcile pass.
type PolicyEventStream struct {
	url        string
	conn       *websocket.Conn
	connCtx    context.Context
	cancelFunc context.CancelFunc
	mu         sync.RWMutex

	eventBus *events.Bus
	log      zerolog.Logger

	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool
}

// wsPolicyEvent is the ledger's event envelope: {"event": ..., "policy": {...}}.
type wsPolicyEvent struct {
	Event  string     `json:"event"`
	Policy wirePolicy `json:"policy"`
}

// NewPolicyEventStream creates a new policy event stream client
func NewPolicyEventStream(url string, eventBus *events.Bus, log zerolog.Logger) *PolicyEventStream {
	return &PolicyEventStream{
		url:      url,
		eventBus: eventBus,
		log:      log.With().Str("component", "policy_event_stream").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Start initializes the websocket connection and starts the read loop
func (ws *PolicyEventStream) Start() error {
	ws.log.Info().Msg("Starting policy event stream")

	if err := ws.Connect(); err != nil {
		ws.log.Warn().Err(err).Msg("Initial websocket connection failed, will retry in background")
		go ws.reconnectLoop()
		return err
	}

	ws.mu.RLock()
	ctx := ws.connCtx
	ws.mu.RUnlock()
	go ws.readMessages(ctx)

	return nil
}

// Stop gracefully shuts down the websocket connection
func (ws *PolicyEventStream) Stop() error {
	ws.mu.Lock()
	if ws.stopped {
		ws.mu.Unlock()
		return nil
	}
	ws.stopped = true
	ws.mu.Unlock()

	ws.log.Info().Msg("Stopping policy event stream")
	close(ws.stopChan)
	return ws.Disconnect()
}

// Connect establishes the websocket connection and subscribes to the
// policies channel.
func (ws *PolicyEventStream) Connect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	ws.log.Info().Str("url", ws.url).Msg("Connecting to ledger websocket")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, ws.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial websocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	ws.conn = conn
	ws.connCtx = connCtx
	ws.cancelFunc = connCancel
	ws.connected = true

	if err := ws.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		ws.conn = nil
		ws.connCtx = nil
		ws.cancelFunc = nil
		ws.connected = false
		return fmt.Errorf("failed to subscribe to policy events: %w", err)
	}

	ws.log.Info().Msg("Connected to ledger websocket")
	return nil
}

// Disconnect closes the websocket connection
func (ws *PolicyEventStream) Disconnect() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if ws.conn == nil {
		return nil
	}

	if ws.cancelFunc != nil {
		ws.cancelFunc()
		ws.cancelFunc = nil
	}

	err := ws.conn.Close(websocket.StatusNormalClosure, "")
	ws.conn = nil
	ws.connCtx = nil
	ws.connected = false

	if err != nil {
		return fmt.Errorf("error closing websocket: %w", err)
	}
	return nil
}

// Connected reports whether the stream currently holds a live connection.
func (ws *PolicyEventStream) Connected() bool {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.connected
}

func (ws *PolicyEventStream) subscribe(ctx context.Context) error {
	subscribeMsg := map[string]string{"subscribe": "policies"}

	data, err := json.Marshal(subscribeMsg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscription message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := ws.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription message: %w", err)
	}

	return nil
}

// readMessages continuously reads messages from the websocket
func (ws *PolicyEventStream) readMessages(ctx context.Context) {
	defer func() {
		ws.log.Info().Msg("Read loop stopped")
		ws.mu.RLock()
		stopped := ws.stopped
		ws.mu.RUnlock()
		if !stopped {
			go ws.reconnectLoop()
		}
	}()

	for {
		select {
		case <-ws.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		ws.mu.RLock()
		conn := ws.conn
		ws.mu.RUnlock()

		if conn == nil {
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				ws.log.Info().Int("status", int(closeStatus)).Msg("Websocket closed normally")
			} else if ctx.Err() != nil {
				ws.log.Debug().Msg("Read cancelled by context")
			} else {
				ws.log.Error().Err(err).Msg("Unexpected websocket read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}

		if err := ws.handleMessage(message); err != nil {
			ws.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle websocket message")
			// Continue reading despite parse errors
		}
	}
}

// handleMessage parses a policy event and forwards it onto the bus.
func (ws *PolicyEventStream) handleMessage(message []byte) error {
	var evt wsPolicyEvent
	if err := json.Unmarshal(message, &evt); err != nil {
		return fmt.Errorf("failed to parse policy event: %w", err)
	}

	policy, err := toDomainPolicy(evt.Policy)
	if err != nil {
		return fmt.Errorf("event carries malformed policy: %w", err)
	}

	switch evt.Event {
	case "policy_created":
		ws.eventBus.Emit(events.PolicyCreated, "chain", map[string]interface{}{
			"policy": policy,
		})
	case "policy_status_changed":
		ws.eventBus.Emit(events.PolicyStatusChanged, "chain", map[string]interface{}{
			"policy": policy,
		})
	default:
		ws.log.Debug().Str("event", evt.Event).Msg("Ignoring unknown policy event")
	}

	return nil
}

// reconnectLoop attempts reconnection with exponential backoff
func (ws *PolicyEventStream) reconnectLoop() {
	ws.mu.Lock()
	if ws.reconnecting || ws.stopped {
		ws.mu.Unlock()
		return
	}
	ws.reconnecting = true
	ws.mu.Unlock()

	defer func() {
		ws.mu.Lock()
		ws.reconnecting = false
		ws.mu.Unlock()
	}()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		delay := time.Duration(float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}

		ws.log.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Scheduling websocket reconnection")

		select {
		case <-ws.stopChan:
			return
		case <-time.After(delay):
		}

		if err := ws.Connect(); err != nil {
			ws.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnection failed")
			continue
		}

		ws.mu.RLock()
		ctx := ws.connCtx
		ws.mu.RUnlock()
		go ws.readMessages(ctx)
		return
	}

	// Reconciliation still runs; the stream only adds latency savings.
	ws.log.Error().
		Int("attempts", maxReconnectAttempts).
		Msg("Giving up on websocket reconnection, falling back to reconcile-only discovery")
}
