package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type readingPayload struct {
	CoopID      string  `json:"coopId"`
	SensorID    string  `json:"sensorId"`
	Temperature float64 `json:"temperature,omitempty"`
	Humidity    float64 `json:"humidity,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

type statusPayload struct {
	CoopID    string `json:"coopId"`
	Action    string `json:"action"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	coopID := flag.String("coop", "main", "Coop identifier")
	sensorID := flag.String("sensor", "probe1", "Sensor identifier")
	interval := flag.Duration("interval", 10*time.Second, "Interval between published readings")
	baseTemp := flag.Float64("base-temp", 65, "Mean temperature in Fahrenheit")
	swing := flag.Float64("swing", 15, "Amplitude of the daily temperature curve")
	jitter := flag.Float64("jitter", 1.5, "Maximum random jitter applied to readings")
	actuators := flag.Bool("actuators", true, "Acknowledge actuator commands addressed to the coop")

	flag.Parse()

	clientID := fmt.Sprintf("%s-%s-simulator-%d", *coopID, *sensorID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	if *actuators {
		filter := fmt.Sprintf("coops/%s/+/command", *coopID)
		token := client.Subscribe(filter, 0, acknowledge(*coopID))
		if token.Wait() && token.Error() != nil {
			log.Fatalf("failed to subscribe to %s: %v", filter, token.Error())
		}
		log.Printf("acknowledging commands on %s", filter)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		now := time.Now().UTC()
		temp := diurnal(now, *baseTemp, *swing) + noise(*jitter)
		humidity := math.Max(0, math.Min(100, 55-(temp-*baseTemp)+noise(*jitter*2)))

		readings := map[string]readingPayload{
			"temperature": {CoopID: *coopID, SensorID: *sensorID, Temperature: round1(temp), Unit: "F", Timestamp: now.Format(time.RFC3339Nano)},
			"humidity":    {CoopID: *coopID, SensorID: *sensorID, Humidity: round1(humidity), Unit: "%", Timestamp: now.Format(time.RFC3339Nano)},
		}

		for kind, payload := range readings {
			data, err := json.Marshal(payload)
			if err != nil {
				log.Printf("failed to encode payload: %v", err)
				continue
			}

			topic := fmt.Sprintf("sensors/%s/%s/%s", *coopID, *sensorID, kind)
			token := client.Publish(topic, 0, false, data)
			token.Wait()
			if err := token.Error(); err != nil {
				log.Printf("publish error: %v", err)
				continue
			}
			log.Printf("published %s %s", topic, data)
		}
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// acknowledge answers each command with a status message on the actuator's status topic.
func acknowledge(coopID string) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		var cmd struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
			log.Printf("ignoring malformed command on %s: %v", msg.Topic(), err)
			return
		}

		statusTopic := strings.TrimSuffix(msg.Topic(), "/command") + "/status"
		data, err := json.Marshal(statusPayload{
			CoopID:    coopID,
			Action:    cmd.Action,
			State:     "done",
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			log.Printf("failed to encode status: %v", err)
			return
		}

		// publish from a goroutine: waiting on a token inside a handler can stall the client
		go func() {
			token := c.Publish(statusTopic, 0, false, data)
			token.Wait()
			if err := token.Error(); err != nil {
				log.Printf("status publish error: %v", err)
				return
			}
			log.Printf("acknowledged %s on %s", cmd.Action, statusTopic)
		}()
	}
}

// diurnal peaks mid-afternoon and bottoms out before dawn.
func diurnal(t time.Time, base, swing float64) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	return base + swing*math.Sin((hour-9)/24*2*math.Pi)
}

func noise(jitter float64) float64 {
	if jitter <= 0 {
		return 0
	}
	return (rand.Float64()*2 - 1) * jitter
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
