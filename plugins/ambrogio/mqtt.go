package ambrogio

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// publisher is the slice of mqtt.Client the state publisher needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTConfig is the runtime broker configuration.
type MQTTConfig struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	Retain      bool
}

// StatePublisher mirrors each mower snapshot to <prefix>/<imei>/state. A
// background worker does the publishing; only the latest fleet is kept while
// the broker is slow.
type StatePublisher struct {
	client publisher
	closer func()
	prefix string
	retain bool
	logger *zap.Logger

	mu      sync.Mutex
	latest  []Snapshot
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewStatePublisher connects to the broker. Connection retries continue in the
// background when the broker is down at startup.
func NewStatePublisher(cfg MQTTConfig, logger *zap.Logger) (*StatePublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetClientID("gohome-ambrogio-" + randomSuffix())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, token.Error())
	}

	p := newStatePublisher(client, cfg.TopicPrefix, cfg.Retain, logger)
	p.closer = func() { client.Disconnect(250) }
	return p, nil
}

func newStatePublisher(client publisher, prefix string, retain bool, logger *zap.Logger) *StatePublisher {
	p := &StatePublisher{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		retain:  retain,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *StatePublisher) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		p.mu.Lock()
		snapshots := p.latest
		p.latest = nil
		p.mu.Unlock()
		if snapshots != nil {
			p.publishAll(snapshots)
		}
	}
}

// Topic returns the state topic for imei.
func (p *StatePublisher) Topic(imei string) string {
	return p.prefix + "/" + imei + "/state"
}

// Publish queues snapshots for the worker and returns without waiting for the
// broker. A newer fleet replaces one that has not been sent yet.
func (p *StatePublisher) Publish(snapshots []Snapshot) {
	p.mu.Lock()
	p.latest = snapshots
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// publishAll sends one message per snapshot. Failures are logged rather than
// returned.
func (p *StatePublisher) publishAll(snapshots []Snapshot) {
	for _, snap := range snapshots {
		payload, err := json.Marshal(snap.Attributes())
		if err != nil {
			p.logger.Warn("encode mower state", zap.String("imei", snap.IMEI), zap.Error(err))
			continue
		}
		token := p.client.Publish(p.Topic(snap.IMEI), 1, p.retain, payload)
		if !token.WaitTimeout(publishTimeout) {
			p.logger.Warn("mqtt publish timed out", zap.String("imei", snap.IMEI))
			continue
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("mqtt publish failed", zap.String("imei", snap.IMEI), zap.Error(err))
		}
	}
}

// Close stops the worker, letting an in-flight publish finish, and
// disconnects.
func (p *StatePublisher) Close() {
	p.once.Do(func() {
		close(p.done)
		<-p.stopped
		if p.closer != nil {
			p.closer()
		}
	})
}

func randomSuffix() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "0000"
	}
	return hex.EncodeToString(buf)
}
