package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// StatusPublisher reports run progress over MQTT. Every publish failure
// is logged and swallowed; the reduction never stalls on the broker.
type StatusPublisher struct {
	client mqtt.Client
	config *MQTTConfig
	runID  string
}

// RunStatus is the document published when a run starts.
type RunStatus struct {
	Timestamp   int64   `json:"timestamp"`
	RunID       string  `json:"run_id"`
	Version     string  `json:"version"`
	Source      string  `json:"source"`
	UTCStart    string  `json:"utc_start"`
	ScienceCase int     `json:"science_case"`
	ScienceMode string  `json:"science_mode"`
	Beams       int     `json:"beams"`
	Channels    int     `json:"channels"`
	PageBytes   int     `json:"page_bytes"`
	CenterFreq  float64 `json:"center_frequency_mhz"`
	Bandwidth   float64 `json:"bandwidth_mhz"`
}

// RunProgress is the document published during and after a run. Metrics
// holds a flattened snapshot of the Prometheus counters.
type RunProgress struct {
	Timestamp int64              `json:"timestamp"`
	RunID     string             `json:"run_id"`
	State     string             `json:"state"`
	Pages     int64              `json:"pages"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
}

// generateClientID creates a random client ID for the MQTT connection.
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "dadafits_" + hex.EncodeToString(bytes)
}

// NewStatusPublisher connects to the broker named in the configuration.
func NewStatusPublisher(config *MQTTConfig) (*StatusPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

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
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &StatusPublisher{
		client: client,
		config: config,
		runID:  uuid.NewString(),
	}, nil
}

// PublishRunStart announces a new run with its observation parameters.
func (sp *StatusPublisher) PublishRunStart(hdr *RunHeader, geom *Geometry) {
	if sp == nil {
		return
	}
	sp.publish(sp.config.TopicPrefix+"/run", RunStatus{
		Timestamp:   time.Now().Unix(),
		RunID:       sp.runID,
		Version:     Version,
		Source:      hdr.Source,
		UTCStart:    hdr.UTCStart,
		ScienceCase: geom.ScienceCase,
		ScienceMode: geom.ModeName(),
		Beams:       geom.NumBeams,
		Channels:    geom.RowChannels(),
		PageBytes:   geom.PageSize(),
		CenterFreq:  hdr.CenterFrequency,
		Bandwidth:   hdr.Bandwidth,
	})
}

// PublishProgress reports the page count and a metric snapshot. State is
// "running" during the run and "finished" after the writer is closed.
func (sp *StatusPublisher) PublishProgress(state string, pages int64) {
	if sp == nil {
		return
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		families = nil
	}

	sp.publish(sp.config.TopicPrefix+"/progress", RunProgress{
		Timestamp: time.Now().Unix(),
		RunID:     sp.runID,
		State:     state,
		Pages:     pages,
		Metrics:   metricSnapshot(families),
	})
}

// metricSnapshot flattens gathered metric families into name to value.
// Labeled metrics append name_value pairs to the key.
func metricSnapshot(families []*dto.MetricFamily) map[string]float64 {
	snapshot := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}
			key := mf.GetName()
			for _, label := range m.GetLabel() {
				key += "_" + label.GetName() + "_" + label.GetValue()
			}
			snapshot[key] = value
		}
	}
	return snapshot
}

// extractMetricValue pulls the numeric value out of a gathered metric.
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publish sends one JSON document to a topic.
func (sp *StatusPublisher) publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := sp.client.Publish(topic, sp.config.QoS, sp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// Disconnect gracefully disconnects from the MQTT broker.
func (sp *StatusPublisher) Disconnect() {
	if sp == nil {
		return
	}
	if sp.client != nil && sp.client.IsConnected() {
		sp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
