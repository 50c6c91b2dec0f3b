package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"i4.energy/across/loragw/modem"
)

// Gateway bridges the module to an MQTT broker: uplink requests published
// to <topic>/uplink are transmitted over the radio, and downlinks received
// from the network are published to <topic>/downlink.
type Gateway struct {
	Logger *slog.Logger
	Modem  *modem.Modem

	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string

	client mqtt.Client
}

type uplinkMessage struct {
	Port      uint8  `json:"port"`
	Payload   string `json:"payload"` // hex encoded
	Confirmed bool   `json:"confirmed"`
}

type downlinkMessage struct {
	Window  int     `json:"window"`
	Rssi    int     `json:"rssi"`
	Snr     float64 `json:"snr"`
	Port    int     `json:"port"`
	Payload string  `json:"payload"` // hex encoded
}

// Start connects to the broker and runs the bridge until the context is
// cancelled or the modem session closes.
func (g *Gateway) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(g.Broker).
		SetClientID(g.ClientID).
		SetUsername(g.Username).
		SetPassword(g.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	g.client = mqtt.NewClient(opts)
	if token := g.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to broker %s: %w", g.Broker, token.Error())
	}

	uplinkTopic := g.Topic + "/uplink"
	if token := g.client.Subscribe(uplinkTopic, 1, g.handleUplink); token.Wait() && token.Error() != nil {
		g.client.Disconnect(250)
		return fmt.Errorf("subscribe to %s: %w", uplinkTopic, token.Error())
	}
	g.Logger.Info("Bridge connected", "broker", g.Broker, "topic", g.Topic)

	err := g.pumpDownlinks(ctx)

	g.client.Disconnect(250)
	return err
}

// handleUplink transmits one uplink request received from the broker.
func (g *Gateway) handleUplink(_ mqtt.Client, msg mqtt.Message) {
	var req uplinkMessage
	if err := json.Unmarshal(msg.Payload(), &req); err != nil {
		g.Logger.Error("Dropping malformed uplink request", "error", err)
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		g.Logger.Error("Dropping uplink request with non-hex payload", "error", err)
		return
	}
	if req.Port == 0 {
		req.Port = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	outcome, err := g.Modem.Send(ctx, payload, req.Port, req.Confirmed)
	if err != nil {
		g.Logger.Error("Failed to send uplink from broker", "error", err, "port", req.Port)
		return
	}
	g.Logger.Info("Uplink sent from broker", "port", req.Port, "acked", outcome.Acked)

	if outcome.Downlink != nil {
		g.publishDownlink(outcome.Downlink)
	}
}

// pumpDownlinks publishes downlinks that arrive outside any uplink in
// progress until the session ends.
func (g *Gateway) pumpDownlinks(ctx context.Context) error {
	for {
		dl, err := g.Modem.AwaitDownlink(ctx)
		if err != nil {
			if errors.Is(err, modem.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			var malformed *modem.MalformedError
			if errors.As(err, &malformed) {
				g.Logger.Warn("Dropping malformed downlink", "error", err)
				continue
			}
			return err
		}
		g.publishDownlink(dl)
	}
}

func (g *Gateway) publishDownlink(dl *modem.Downlink) {
	msg := downlinkMessage{
		Window:  dl.Window,
		Rssi:    dl.Rssi,
		Snr:     dl.Snr,
		Port:    dl.Port,
		Payload: hex.EncodeToString(dl.Payload),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		g.Logger.Error("Failed to encode downlink", "error", err)
		return
	}

	topic := g.Topic + "/downlink"
	if token := g.client.Publish(topic, 1, false, data); token.Wait() && token.Error() != nil {
		g.Logger.Error("Failed to publish downlink", "error", token.Error(), "topic", topic)
		return
	}
	g.Logger.Info("Downlink published", "topic", topic, "port", dl.Port)
}
