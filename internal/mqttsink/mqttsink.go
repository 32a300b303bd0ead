// Package mqttsink forwards process events to an MQTT broker.
//
// Topics are laid out per process:
//
//	<prefix>/<id>/stdout   raw output line
//	<prefix>/<id>/stderr   raw output line
//	<prefix>/<id>/exit     JSON exit payload
//	<prefix>/<id>/dropped  JSON drop count
//	<prefix>/status        retained online/offline marker
package mqttsink

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/Paintersrp/warden/internal/config"
	"github.com/Paintersrp/warden/internal/event"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 30 * time.Second
	ackQueueDepth     = 256
	ackStopTimeout    = time.Second
)

// ErrConnectionFailed is returned when the broker cannot be reached.
var ErrConnectionFailed = errors.New("mqtt connection failed")

// Publisher sends a payload without waiting for acknowledgement.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte)
	Close()
}

// Sink implements event.Sink on top of a Publisher.
type Sink struct {
	pub    Publisher
	prefix string
	qos    byte
}

// New wraps pub. An empty prefix falls back to config.DefaultMQTTPrefix.
func New(pub Publisher, prefix string, qos byte) *Sink {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = config.DefaultMQTTPrefix
	}
	return &Sink{pub: pub, prefix: prefix, qos: qos}
}

// Connect dials the configured broker and returns a ready sink.
func Connect(cfg config.MQTTSettings, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = config.DefaultMQTTPrefix
	}
	statusTopic := prefix + "/status"

	clientID := cfg.ClientID
	if clientID == "" {
		host, _ := os.Hostname()
		clientID = fmt.Sprintf("warden-%s-%d", host, os.Getpid())
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(statusTopic, "offline", byte(cfg.QoS), true)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	logger.Info("mqtt connected", zap.String("broker", cfg.Broker), zap.String("client_id", clientID))

	pub := &pahoPublisher{
		client:      client,
		acks:        newAckWatcher(logger, ackQueueDepth, connectTimeout),
		logger:      logger,
		statusTopic: statusTopic,
		qos:         byte(cfg.QoS),
	}
	pub.Publish(statusTopic, byte(cfg.QoS), true, []byte("online"))
	return New(pub, prefix, byte(cfg.QoS)), nil
}

type exitPayload struct {
	ID        string    `json:"id"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"ts"`
}

type dropPayload struct {
	ID        string    `json:"id"`
	Dropped   int       `json:"dropped"`
	Timestamp time.Time `json:"ts"`
}

// Emit publishes evt to its per-process topic.
func (s *Sink) Emit(evt event.Event) {
	switch evt.Type {
	case event.TypeOutput:
		s.pub.Publish(s.Topic(evt.ID, string(evt.Stream)), s.qos, false, []byte(evt.Line))
	case event.TypeExited:
		payload := exitPayload{ID: evt.ID, ExitCode: evt.ExitCode, Timestamp: evt.Timestamp}
		if evt.Err != nil {
			payload.Error = evt.Err.Error()
		}
		data, _ := json.Marshal(payload)
		s.pub.Publish(s.Topic(evt.ID, "exit"), s.qos, false, data)
	case event.TypeDropped:
		data, _ := json.Marshal(dropPayload{ID: evt.ID, Dropped: evt.Dropped, Timestamp: evt.Timestamp})
		s.pub.Publish(s.Topic(evt.ID, "dropped"), s.qos, false, data)
	}
}

// Topic builds the topic for id and leaf. Wildcard and separator characters
// in id are replaced so one process maps onto exactly one topic level.
func (s *Sink) Topic(id, leaf string) string {
	return s.prefix + "/" + topicSafe.Replace(id) + "/" + leaf
}

// Close disconnects from the broker.
func (s *Sink) Close() {
	s.pub.Close()
}

var topicSafe = strings.NewReplacer("/", "_", "+", "_", "#", "_")

type pahoPublisher struct {
	client      pahomqtt.Client
	acks        *ackWatcher
	logger      *zap.Logger
	statusTopic string
	qos         byte
}

func (p *pahoPublisher) Publish(topic string, qos byte, retained bool, payload []byte) {
	token := p.client.Publish(topic, qos, retained, payload)
	if qos == 0 {
		return
	}
	if !p.acks.track(topic, token) {
		p.logger.Debug("mqtt publish not tracked", zap.String("topic", topic))
	}
}

func (p *pahoPublisher) Close() {
	if p.client.IsConnected() {
		token := p.client.Publish(p.statusTopic, p.qos, true, []byte("offline"))
		token.WaitTimeout(time.Second)
	}
	p.client.Disconnect(disconnectQuiesce)
	p.acks.stop(ackStopTimeout)
}

// ackToken is the part of pahomqtt.Token the watcher needs.
type ackToken interface {
	WaitTimeout(time.Duration) bool
	Error() error
}

type pendingAck struct {
	topic string
	token ackToken
}

// ackWatcher reports failed QoS>0 publishes from a single goroutine. Tokens
// beyond the queue depth are not tracked; the publish itself still goes out.
type ackWatcher struct {
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	closed  bool
	pending chan pendingAck
	done    chan struct{}
}

func newAckWatcher(logger *zap.Logger, depth int, timeout time.Duration) *ackWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &ackWatcher{
		logger:  logger,
		timeout: timeout,
		pending: make(chan pendingAck, depth),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *ackWatcher) track(topic string, token ackToken) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.pending <- pendingAck{topic: topic, token: token}:
		return true
	default:
		return false
	}
}

func (w *ackWatcher) run() {
	defer close(w.done)
	for ack := range w.pending {
		if !ack.token.WaitTimeout(w.timeout) {
			w.logger.Warn("mqtt publish unacknowledged", zap.String("topic", ack.topic), zap.Duration("timeout", w.timeout))
			continue
		}
		if err := ack.token.Error(); err != nil {
			w.logger.Warn("mqtt publish failed", zap.String("topic", ack.topic), zap.Error(err))
		}
	}
}

// stop ends the watcher, waiting at most timeout for queued tokens.
func (w *ackWatcher) stop(timeout time.Duration) {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.pending)
	}
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.done:
	case <-timer.C:
	}
}
