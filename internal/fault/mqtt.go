// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package fault

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ffutop/modbus-master/modbus"
	"github.com/ffutop/modbus-master/transport"
)

// MQTTConfig describes the broker faults are published to.
type MQTTConfig struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Topic          string        `mapstructure:"topic"`
	QoS            byte          `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	QueueSize      int           `mapstructure:"queue_size"`
}

const (
	defaultTopic          = "modbus-master/faults"
	defaultConnectTimeout = 10 * time.Second
	defaultQueueSize      = 64
	publishTimeout        = 5 * time.Second
)

var errPublishTimeout = errors.New("publish timed out")

type publishFunc func(topic string, payload []byte) error

// MQTTReporter publishes every fault as a YAML document on <topic>/<port>.
// ReportFault never blocks: faults arriving while the queue is full are dropped and counted.
type MQTTReporter struct {
	client  paho.Client
	publish publishFunc
	topic   string
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan modbus.Fault
	done    chan struct{}
	dropped atomic.Uint64
}

// NewMQTTReporter connects to the broker and starts the publishing worker.
func NewMQTTReporter(cfg MQTTConfig, logger *zap.Logger) (*MQTTReporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("modbus-master-%d", time.Now().UnixNano())
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	logger = logger.With(zap.String("broker", cfg.Broker))

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOnConnectHandler(func(paho.Client) {
		logger.Info("connected to mqtt broker")
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	qos := cfg.QoS
	publish := func(topic string, payload []byte) error {
		token := client.Publish(topic, qos, false, payload)
		if !token.WaitTimeout(publishTimeout) {
			return errPublishTimeout
		}
		return token.Error()
	}
	r := newMQTTReporter(publish, cfg.Topic, cfg.QueueSize, logger)
	r.client = client
	return r, nil
}

func newMQTTReporter(publish publishFunc, topic string, queueSize int, logger *zap.Logger) *MQTTReporter {
	if topic == "" {
		topic = defaultTopic
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &MQTTReporter{
		publish: publish,
		topic:   topic,
		logger:  logger,
		queue:   make(chan modbus.Fault, queueSize),
		done:    make(chan struct{}),
	}
	go r.worker()
	return r
}

// ReportFault implements modbus.FaultReporter.
func (r *MQTTReporter) ReportFault(f modbus.Fault) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- f:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("fault queue full, dropping", zap.Uint64("dropped", n))
		}
	}
}

// Dropped returns how many faults were discarded because the queue was full.
func (r *MQTTReporter) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *MQTTReporter) worker() {
	defer close(r.done)
	for f := range r.queue {
		payload, err := yaml.Marshal(EventOf(f))
		if err != nil {
			r.logger.Error("failed to encode fault", zap.Error(err))
			continue
		}
		topic := r.topic + "/" + transport.PortID(f.Port).String()
		if err := r.publish(topic, payload); err != nil {
			r.logger.Warn("failed to publish fault", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Close drains the queue, then disconnects.
// Faults reported after Close are dropped.
func (r *MQTTReporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	<-r.done
	if r.client != nil {
		r.client.Disconnect(250)
	}
	return nil
}
