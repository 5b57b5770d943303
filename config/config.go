// Package config loads localization service configuration.
package config

import (
	"fmt"
	"os"
	"time"

	mcl "github.com/milosgajdos/go-mcl"
	"gopkg.in/yaml.v3"
)

// Sensor model names
const (
	SensorHits            = "hits"
	SensorLikelihoodField = "likelihood_field"
)

// Config is the localization service configuration.
// Angles are in degrees, distances in meters.
type Config struct {
	// Particles is the number of filter particles
	Particles int `yaml:"particles"`
	// Seed seeds all random sources; 0 seeds from time
	Seed uint64 `yaml:"seed"`

	Update   Update   `yaml:"update"`
	Init     Init     `yaml:"init"`
	Motion   Motion   `yaml:"motion"`
	Sensor   Sensor   `yaml:"sensor"`
	Estimate Estimate `yaml:"estimate"`
	Map      Map      `yaml:"map"`
	Laser    Laser    `yaml:"laser"`
	Odom     Odom     `yaml:"odom"`
	MQTT     MQTT     `yaml:"mqtt"`
}

// Update configures when the filter runs.
type Update struct {
	// LinearThreshold is the odometry displacement along either axis which triggers an update
	LinearThreshold float64 `yaml:"linear_threshold"`
	// AngularThreshold is the odometry rotation which triggers an update
	AngularThreshold float64 `yaml:"angular_threshold"`
	// Period is the run loop period
	Period time.Duration `yaml:"period"`
}

// Init configures particle initialization.
type Init struct {
	SigmaXY    float64 `yaml:"sigma_xy"`
	SigmaTheta float64 `yaml:"sigma_theta"`
	MaxRetries int     `yaml:"max_retries"`
}

// Motion configures the odometry motion model noise.
type Motion struct {
	SigmaRot   float64 `yaml:"sigma_rot"`
	SigmaTrans float64 `yaml:"sigma_trans"`
}

// Sensor configures the sensor model.
type Sensor struct {
	// Model is either "hits" or "likelihood_field"
	Model string `yaml:"model"`
	// Sigma is the likelihood field standard deviation
	Sigma float64 `yaml:"sigma"`
	// Workers is the number of concurrent weighing workers
	Workers int `yaml:"workers"`
}

// Estimate configures the pose estimator.
type Estimate struct {
	// Circular enables circular mean of headings
	Circular bool `yaml:"circular"`
	// QuadrantOffset enables the heading quadrant position correction if non-zero
	QuadrantOffset float64 `yaml:"quadrant_offset"`
}

// Map configures the occupancy map.
type Map struct {
	// Path is the path to map metadata YAML file
	Path string `yaml:"path"`
}

// Laser configures the range sensor.
type Laser struct {
	// Mount is the laser pose in the robot frame; Theta is in degrees
	Mount mcl.Pose `yaml:"mount"`
}

// Odom configures odometry time matching.
type Odom struct {
	// History is the length of retained odometry history
	History time.Duration `yaml:"history"`
}

// MQTT configures the MQTT transport.
type MQTT struct {
	Broker           string `yaml:"broker"`
	ClientID         string `yaml:"client_id"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	ObservationTopic string `yaml:"observation_topic"`
	OdomTopic        string `yaml:"odom_topic"`
	InitialPoseTopic string `yaml:"initial_pose_topic"`
	ParticlesTopic   string `yaml:"particles_topic"`
	PoseTopic        string `yaml:"pose_topic"`
	QoS              byte   `yaml:"qos"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Particles: 500,
		Update: Update{
			LinearThreshold:  0.2,
			AngularThreshold: 30,
			Period:           100 * time.Millisecond,
		},
		Init: Init{
			SigmaXY:    0.25,
			SigmaTheta: 20,
			MaxRetries: 100,
		},
		Motion: Motion{
			SigmaRot:   3,
			SigmaTrans: 0.15,
		},
		Sensor: Sensor{
			Model: SensorHits,
			Sigma: 0.1,
		},
		Odom: Odom{
			History: 10 * time.Second,
		},
		MQTT: MQTT{
			ObservationTopic: "mcl/observation",
			OdomTopic:        "mcl/odom",
			InitialPoseTopic: "mcl/initialpose",
			ParticlesTopic:   "mcl/particlecloud",
			PoseTopic:        "mcl/pose",
		},
	}
}

// Load reads configuration from the YAML file at path.
// Fields missing from the file keep their default values.
// It returns error if the file can't be read, parsed or fails validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse parses YAML configuration data on top of the defaults.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	switch {
	case c.Particles <= 0:
		return fmt.Errorf("particles must be positive: %d", c.Particles)
	case c.Update.LinearThreshold < 0 || c.Update.AngularThreshold < 0:
		return fmt.Errorf("update thresholds must not be negative")
	case c.Update.Period <= 0:
		return fmt.Errorf("update.period must be positive: %v", c.Update.Period)
	case c.Init.SigmaXY <= 0 || c.Init.SigmaTheta <= 0:
		return fmt.Errorf("init sigmas must be positive")
	case c.Init.MaxRetries < 0:
		return fmt.Errorf("init.max_retries must not be negative: %d", c.Init.MaxRetries)
	case c.Motion.SigmaRot < 0 || c.Motion.SigmaTrans < 0:
		return fmt.Errorf("motion sigmas must not be negative")
	case (c.Motion.SigmaRot == 0) != (c.Motion.SigmaTrans == 0):
		return fmt.Errorf("motion sigmas must be either all zero or all positive")
	case c.Sensor.Model != SensorHits && c.Sensor.Model != SensorLikelihoodField:
		return fmt.Errorf("unknown sensor model: %q", c.Sensor.Model)
	case c.Sensor.Model == SensorLikelihoodField && c.Sensor.Sigma <= 0:
		return fmt.Errorf("sensor.sigma must be positive: %v", c.Sensor.Sigma)
	case c.MQTT.QoS > 2:
		return fmt.Errorf("invalid mqtt.qos: %d", c.MQTT.QoS)
	}

	return nil
}

// Save writes configuration c to a YAML file at path.
func Save(path string, c *Config) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
