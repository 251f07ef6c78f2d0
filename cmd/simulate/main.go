// Command simulate publishes synthetic sensor payloads to an MQTT broker in
// the same JSON shape the Sense HAT publisher emits, for exercising the
// pipeline without hardware. Humidity and temperature follow a slow
// sinusoidal drift with jitter so the forecast models have something to
// track.
//
// Usage:
//
//	go run ./cmd/simulate \
//	  -broker tcp://localhost:1883 \
//	  -device sense-hat \
//	  -interval 1s \
//	  -count 100
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// driftPeriod is how long one full humidity swing takes.
const driftPeriod = 10 * time.Minute

type sensorPayload struct {
	DeviceID    string  `json:"device_id"`
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
	Pressure    float64 `json:"pressure"`
	TS          int64   `json:"ts"`
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker URL")
	device := flag.String("device", "sense-hat", "device id, also the last topic segment")
	prefix := flag.String("topic-prefix", "MSN/group6/sensors", "topic prefix the device id is appended to")
	interval := flag.Duration("interval", time.Second, "time between publishes")
	count := flag.Int("count", 0, "number of payloads to publish, 0 means until interrupted")
	qos := flag.Int("qos", 0, "MQTT QoS for published payloads")
	flag.Parse()

	topic := *prefix + "/" + *device

	opts := mqtt.NewClientOptions().
		AddBroker(*broker).
		SetClientID("climate-simulator-" + *device).
		SetAutoReconnect(true)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to mqtt broker: %w", token.Error())
	}
	defer client.Disconnect(250)
	log.Printf("connected to %s, publishing to %s every %s", *broker, topic, *interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	published := 0
	for {
		select {
		case <-ctx.Done():
			log.Printf("stopped after %d payloads", published)
			return nil
		case now := <-ticker.C:
			payload, err := json.Marshal(synthesize(*device, now, now.Sub(start)))
			if err != nil {
				return fmt.Errorf("marshal payload: %w", err)
			}
			token := client.Publish(topic, byte(*qos), false, payload)
			token.Wait()
			if token.Error() != nil {
				log.Printf("publish failed: %v", token.Error())
				continue
			}
			log.Printf("%s: %s", topic, payload)

			published++
			if *count > 0 && published >= *count {
				log.Printf("published %d payloads", published)
				return nil
			}
		}
	}
}

// synthesize produces one payload. Humidity swings around 55% and
// temperature around 22°C, out of phase so the two series do not just mirror
// each other.
func synthesize(device string, now time.Time, elapsed time.Duration) sensorPayload {
	phase := 2 * math.Pi * float64(elapsed) / float64(driftPeriod)
	return sensorPayload{
		DeviceID:    device,
		Temperature: round2(22 + 3*math.Sin(phase+math.Pi/3) + rand.Float64()),
		Humidity:    round2(55 + 15*math.Sin(phase) + 2*rand.Float64()),
		Pressure:    round2(1013 + 2*math.Sin(phase/4) + rand.Float64()),
		TS:          now.UnixMilli(),
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
