package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"airledger/internal/config"
)

var ErrStopped = errors.New("mqtt subscriber stopped")

// MessageHandler receives every message that passed ParseMessage.
type MessageHandler func(ctx context.Context, msg AirQualityMessage) error

// MQTTSubscriber is the part of Subscriber that feature modules attach to.
type MQTTSubscriber interface {
	SetMessageHandler(handler MessageHandler)
}

type Subscriber struct {
	client paho.Client
	topic  string
	qos    byte
	logger *slog.Logger

	mu         sync.RWMutex
	connected  bool
	subscribed bool
	handler    MessageHandler

	// handlerCtx is cancelled on Disconnect so in-flight handlers stop.
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewSubscriber(cfg config.Config, logger *slog.Logger) (*Subscriber, error) {
	if cfg.MQTTTopic == "" {
		return nil, fmt.Errorf("mqtt: empty topic")
	}
	if logger == nil {
		logger = slog.Default()
	}
	hctx, cancel := context.WithCancel(context.Background())
	s := &Subscriber{
		topic:         cfg.MQTTTopic,
		qos:           1,
		logger:        logger.With("component", "mqtt"),
		handlerCtx:    hctx,
		cancelHandler: cancel,
		stopCh:        make(chan struct{}),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTTBroker, cfg.MQTTPort))
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	// Subscriptions do not survive a clean-session reconnect, so they are
	// (re)issued from the connect callback.
	opts.SetOnConnectHandler(func(c paho.Client) {
		s.setConnected(true)
		s.logger.Info("mqtt connected", "broker", cfg.MQTTBroker, "port", cfg.MQTTPort)
		go func() {
			if err := s.subscribe(c); err != nil {
				s.logger.Error("mqtt subscribe failed", "topic", s.topic, "error", err)
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		s.setConnected(false)
		s.setSubscribed(false)
		s.logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = paho.NewClient(opts)
	return s, nil
}

func (s *Subscriber) SetMessageHandler(handler MessageHandler) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

// Connect blocks until the first connection succeeds, ctx is done or the
// subscriber is stopped.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return ErrStopped
	default:
	}
	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()
	for !token.WaitTimeout(200 * time.Millisecond) {
		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return ErrStopped
		default:
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

func (s *Subscriber) subscribe(c paho.Client) error {
	token := c.Subscribe(s.topic, s.qos, func(_ paho.Client, msg paho.Message) {
		s.handleMessage(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for topic %s", s.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.topic, err)
	}
	s.setSubscribed(true)
	s.logger.Info("subscribed to mqtt topic", "topic", s.topic, "qos", s.qos)
	return nil
}

func (s *Subscriber) handleMessage(topic string, payload []byte) {
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	msg, err := ParseMessage(topic, payload)
	if err != nil {
		s.logger.Warn("dropping mqtt message", "topic", topic, "error", err, "payload", string(payload))
		return
	}

	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()
	if handler == nil {
		return
	}
	if err := handler(s.handlerCtx, msg); err != nil {
		s.logger.Error("message handler failed", "topic", topic, "station_id", msg.StationID, "error", err)
		return
	}
	s.logger.Debug("processed mqtt message", "station_id", msg.StationID)
}

func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Subscribed reports whether the topic subscription is active on the
// current connection.
func (s *Subscriber) Subscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed && s.connected
}

// Disconnect is idempotent.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancelHandler()

		if s.IsConnected() {
			s.client.Unsubscribe(s.topic).WaitTimeout(2 * time.Second)
		}
		s.client.Disconnect(250)
		s.setConnected(false)
		s.setSubscribed(false)
		s.logger.Info("mqtt subscriber disconnected")
	})
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Subscriber) setSubscribed(v bool) {
	s.mu.Lock()
	s.subscribed = v
	s.mu.Unlock()
}
