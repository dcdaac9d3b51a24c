package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"devicehub-backend/config"
)

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttBuffer         = 256
)

// mqttClient is the part of the paho client the publisher needs.
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type mqttPayload struct {
	Event
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// MQTTPublisher mirrors events onto {prefix}/users/{user}/events so that
// dashboards and bots can follow reservations without a browser.
type MQTTPublisher struct {
	client mqttClient
	prefix string
	qos    byte
	jobs   chan Event
	now    func() time.Time
}

// ConnectMQTT dials the broker and returns a publisher ready to Start.
func ConnectMQTT(cfg config.MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("MQTT connection lost: %v", err)
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Printf("MQTT connected to %s", cfg.Broker)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", cfg.Broker, err)
	}
	return newMQTTPublisher(client, cfg.TopicPrefix, byte(cfg.QoS)), nil
}

func newMQTTPublisher(client mqttClient, prefix string, qos byte) *MQTTPublisher {
	return &MQTTPublisher{
		client: client,
		prefix: prefix,
		qos:    qos,
		jobs:   make(chan Event, mqttBuffer),
		now:    time.Now,
	}
}

// Topic returns the topic events for user are published on.
func (p *MQTTPublisher) Topic(user string) string {
	return p.prefix + "/users/" + user + "/events"
}

// Dispatch queues ev without blocking. Events are dropped when the buffer is full.
func (p *MQTTPublisher) Dispatch(ev Event) {
	select {
	case p.jobs <- ev:
	default:
		log.Printf("MQTT buffer full, dropping %s event for %s", ev.Kind, ev.User)
	}
}

// Start publishes queued events until ctx is cancelled, then disconnects.
func (p *MQTTPublisher) Start(ctx context.Context) {
	go func() {
		defer p.client.Disconnect(250)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-p.jobs:
				if err := p.publish(ev); err != nil {
					log.Printf("Error publishing %s event for %s: %v", ev.Kind, ev.User, err)
				}
			}
		}
	}()
}

func (p *MQTTPublisher) publish(ev Event) error {
	body, err := json.Marshal(mqttPayload{
		Event:   ev,
		Message: ev.Message(strconv.FormatInt(ev.DeviceID, 10)),
		At:      p.now().UTC(),
	})
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(ev.User), p.qos, false, body)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("publish to %s timed out", p.Topic(ev.User))
	}
	return token.Error()
}

// Multi fans each event out to every dispatcher in order.
type Multi []interface{ Dispatch(Event) }

// Dispatch hands ev to each member.
func (m Multi) Dispatch(ev Event) {
	for _, d := range m {
		d.Dispatch(ev)
	}
}
