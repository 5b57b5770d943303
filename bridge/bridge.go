// Package bridge connects the localization engine to an MQTT broker.
//
// Observations, odometry and initial poses are received as JSON messages;
// particle clouds and pose estimates are published as JSON messages.
// JSON can't carry non-finite numbers: range readings without a return are sent
// as any value above the scan range_max.
package bridge

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	mcl "github.com/milosgajdos/go-mcl"
	"github.com/milosgajdos/go-mcl/config"
	"github.com/milosgajdos/go-mcl/engine"
	"github.com/milosgajdos/go-mcl/internal/monitoring"
	"github.com/milosgajdos/go-mcl/particle"
	"gonum.org/v1/gonum/mat"
)

var logf = monitoring.Component("bridge")

// DefaultTimeout bounds waiting for broker acknowledgements.
const DefaultTimeout = 5 * time.Second

// Engine consumes observations and pose resets.
type Engine interface {
	Submit(engine.Observation)
	ResetPose(mcl.RawPose) error
}

// OdomSink records odometry poses.
type OdomSink interface {
	Add(mcl.RawPose)
}

// ObservationMsg is the observation topic payload.
// Odom may be omitted if odometry is published on the odometry topic.
type ObservationMsg struct {
	Stamp time.Time    `json:"stamp"`
	Odom  *mcl.RawPose `json:"odom,omitempty"`
	Scan  mcl.RawScan  `json:"scan"`
}

// ParticleCloudMsg is the particle cloud topic payload.
type ParticleCloudMsg struct {
	RunID     string              `json:"run_id"`
	Stamp     time.Time           `json:"stamp"`
	Particles []particle.Particle `json:"particles"`
}

// PoseMsg is the pose topic payload.
type PoseMsg struct {
	RunID string    `json:"run_id"`
	Stamp time.Time `json:"stamp"`
	Pose  mcl.Pose  `json:"pose"`
	// Covariance is the row major 3x3 covariance of [x, y, theta]
	Covariance []float64 `json:"covariance"`
	// MapToOdom is the map to odometry frame correction
	MapToOdom *mcl.Pose `json:"map_to_odom,omitempty"`
}

// NewClientOptions returns MQTT client options for configuration c.
// Empty client id is replaced with a unique "mcl-" prefixed id.
func NewClientOptions(c config.MQTT) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.Broker)

	clientID := c.ClientID
	if clientID == "" {
		clientID = "mcl-" + uuid.NewString()
	}
	opts.SetClientID(clientID)

	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)

	return opts
}

// Bridge routes MQTT messages to the engine and publishes engine snapshots.
type Bridge struct {
	client  mqtt.Client
	cfg     config.MQTT
	eng     Engine
	odom    OdomSink
	timeout time.Duration

	mu        sync.Mutex
	published uint64
}

// New creates new bridge using client. odom may be nil in which case odometry messages are ignored.
// It returns error if client or eng is nil or if the observation topic is empty.
func New(client mqtt.Client, c config.MQTT, eng Engine, odom OdomSink) (*Bridge, error) {
	if client == nil {
		return nil, fmt.Errorf("invalid MQTT client: %v", client)
	}

	if eng == nil {
		return nil, fmt.Errorf("invalid engine: %v", eng)
	}

	if c.ObservationTopic == "" {
		return nil, fmt.Errorf("missing observation topic")
	}

	return &Bridge{
		client:  client,
		cfg:     c,
		eng:     eng,
		odom:    odom,
		timeout: DefaultTimeout,
	}, nil
}

// Start connects to the broker and subscribes to the input topics.
// It returns error if the connection or any of the subscriptions fails.
func (b *Bridge) Start() error {
	token := b.client.Connect()
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("MQTT connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connection failed: %w", err)
	}
	logf("connected to MQTT broker")

	return b.Subscribe()
}

// OnConnect resubscribes after the client reconnects.
// It is meant to be registered with mqtt.ClientOptions.SetOnConnectHandler.
func (b *Bridge) OnConnect(mqtt.Client) {
	if err := b.Subscribe(); err != nil {
		logf("resubscribing: %v", err)
	}
}

// Subscribe subscribes to all configured input topics.
func (b *Bridge) Subscribe() error {
	subs := map[string]mqtt.MessageHandler{
		b.cfg.ObservationTopic: b.handleObservation,
	}
	if b.cfg.InitialPoseTopic != "" {
		subs[b.cfg.InitialPoseTopic] = b.handleInitialPose
	}
	if b.cfg.OdomTopic != "" && b.odom != nil {
		subs[b.cfg.OdomTopic] = b.handleOdom
	}

	for topic, handler := range subs {
		token := b.client.Subscribe(topic, b.cfg.QoS, handler)
		if !token.WaitTimeout(b.timeout) {
			return fmt.Errorf("subscribing to %s: timeout", topic)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		logf("subscribed to %s", topic)
	}

	return nil
}

// Close disconnects from the broker.
func (b *Bridge) Close() {
	if b.client.IsConnected() {
		b.client.Disconnect(250)
	}
}

// Published returns the number of published messages.
func (b *Bridge) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.published
}

// Publish publishes snapshot s on the particle cloud and pose topics.
// The pose is only published once an estimate exists.
// It implements engine.Publisher.
func (b *Bridge) Publish(s engine.Snapshot) error {
	if b.cfg.ParticlesTopic != "" && s.Particles != nil {
		msg := ParticleCloudMsg{
			RunID:     s.RunID,
			Stamp:     s.Stamp,
			Particles: s.Particles,
		}
		if err := b.publish(b.cfg.ParticlesTopic, msg); err != nil {
			return err
		}
	}

	if b.cfg.PoseTopic != "" && s.Estimate != nil {
		msg := PoseMsg{
			RunID:      s.RunID,
			Stamp:      s.Stamp,
			Pose:       s.Estimate.Pose(),
			Covariance: covData(s.Estimate.Cov()),
		}
		if s.HasMapToOdom {
			c := s.MapToOdom
			msg.MapToOdom = &c
		}
		if err := b.publish(b.cfg.PoseTopic, msg); err != nil {
			return err
		}
	}

	return nil
}

func (b *Bridge) publish(topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", topic, err)
	}

	token := b.client.Publish(topic, b.cfg.QoS, false, payload)
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("publishing to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}

	b.mu.Lock()
	b.published++
	b.mu.Unlock()

	return nil
}

func (b *Bridge) handleObservation(_ mqtt.Client, msg mqtt.Message) {
	var m ObservationMsg
	if err := json.Unmarshal(msg.Payload(), &m); err != nil {
		logf("decoding observation from %s: %v", msg.Topic(), err)
		return
	}

	stamp := m.Stamp
	if stamp.IsZero() {
		stamp = m.Scan.Stamp
	}

	b.eng.Submit(engine.Observation{
		Stamp: stamp,
		Odom:  m.Odom,
		Scan:  m.Scan,
	})
}

func (b *Bridge) handleOdom(_ mqtt.Client, msg mqtt.Message) {
	var p mcl.RawPose
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		logf("decoding odometry from %s: %v", msg.Topic(), err)
		return
	}

	b.odom.Add(p)
}

func (b *Bridge) handleInitialPose(_ mqtt.Client, msg mqtt.Message) {
	var p mcl.RawPose
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		logf("decoding initial pose from %s: %v", msg.Topic(), err)
		return
	}

	if err := b.eng.ResetPose(p); err != nil {
		logf("resetting pose: %v", err)
	}
}

func covData(cov mat.Symmetric) []float64 {
	n := cov.SymmetricDim()
	data := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data = append(data, cov.At(i, j))
		}
	}

	return data
}
