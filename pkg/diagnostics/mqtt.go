package diagnostics

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dougsko/nexrigd/pkg/protection"
)

// MQTTConfig configures the status publisher
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	Interval time.Duration
	QoS      byte
}

// publishTimeout bounds how long one publish may wait for the broker
const publishTimeout = 5 * time.Second

// publisher is the part of mqtt.Client the publisher uses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// StatusPayload is the retained status message
type StatusPayload struct {
	Timestamp int64    `json:"timestamp"`
	Snapshot  Snapshot `json:"snapshot"`
}

// FaultPayload is published once per fault record
type FaultPayload struct {
	Timestamp int64                  `json:"timestamp"`
	Fault     protection.FaultRecord `json:"fault"`
}

// MQTTPublisher publishes diagnostics snapshots and fault records
type MQTTPublisher struct {
	client publisher
	conn   mqtt.Client
	config MQTTConfig
	faults chan protection.FaultRecord
}

func generateClientID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return "nexrigd_" + hex.EncodeToString(b)
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config MQTTConfig) (*MQTTPublisher, error) {
	clientID := config.ClientID
	if clientID == "" {
		clientID = generateClientID()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(clientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(15*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	p := newMQTTPublisher(client, config)
	p.conn = client
	log.Printf("MQTT: Publishing to %s under %s", config.Broker, p.config.Topic)
	return p, nil
}

func newMQTTPublisher(client publisher, config MQTTConfig) *MQTTPublisher {
	if config.Topic == "" {
		config.Topic = "nexrig"
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	return &MQTTPublisher{
		client: client,
		config: config,
		faults: make(chan protection.FaultRecord, 32),
	}
}

// StatusTopic is where snapshots are published
func (p *MQTTPublisher) StatusTopic() string {
	return p.config.Topic + "/status"
}

// FaultTopic is where fault records are published
func (p *MQTTPublisher) FaultTopic() string {
	return p.config.Topic + "/faults"
}

// RecordFault queues a fault for publishing. It never blocks; faults beyond
// the buffer are dropped from MQTT only.
func (p *MQTTPublisher) RecordFault(record protection.FaultRecord) {
	select {
	case p.faults <- record:
	default:
	}
}

// PublishStatus publishes one snapshot as a retained message
func (p *MQTTPublisher) PublishStatus(s Snapshot) error {
	data, err := json.Marshal(StatusPayload{Timestamp: s.Timestamp.Unix(), Snapshot: s})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	return p.publish(p.StatusTopic(), true, data)
}

func (p *MQTTPublisher) publishFault(record protection.FaultRecord) error {
	data, err := json.Marshal(FaultPayload{Timestamp: record.Timestamp.Unix(), Fault: record})
	if err != nil {
		return fmt.Errorf("failed to marshal fault: %w", err)
	}
	return p.publish(p.FaultTopic(), false, data)
}

func (p *MQTTPublisher) publish(topic string, retained bool, data []byte) error {
	token := p.client.Publish(topic, p.config.QoS, retained, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing to %s after %s", topic, publishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Run publishes a snapshot from source every interval and forwards fault
// records as they arrive, until ctx ends
func (p *MQTTPublisher) Run(ctx context.Context, source func() Snapshot) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	log.Printf("MQTT: Status publisher started with %s interval", p.config.Interval)

	if err := p.PublishStatus(source()); err != nil {
		log.Printf("MQTT ERROR: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("MQTT: Status publisher stopped")
			return
		case record := <-p.faults:
			if err := p.publishFault(record); err != nil {
				log.Printf("MQTT ERROR: %v", err)
			}
		case <-ticker.C:
			if err := p.PublishStatus(source()); err != nil {
				log.Printf("MQTT ERROR: %v", err)
			}
		}
	}
}

// Disconnect closes the broker connection
func (p *MQTTPublisher) Disconnect() {
	if p.conn != nil && p.conn.IsConnected() {
		p.conn.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
