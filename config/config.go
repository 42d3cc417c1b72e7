package config

import (
	"os"
	"time"

	"github.com/Clouded-Sabre/Reliable-UDP/lib"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFile       = "config.yaml"
	DefaultServerPort = 7080
)

// Config mirrors config.yaml. Durations are in milliseconds.
type Config struct {
	Endpoint   EndpointSection   `yaml:"endpoint"`
	Connection ConnectionSection `yaml:"connection"`
}

type EndpointSection struct {
	PayloadPoolSize      int    `yaml:"payloadPoolSize"`
	PoolDebug            bool   `yaml:"poolDebug"`
	ProcessTimeThreshold int    `yaml:"processTimeThreshold"`
	InboxSize            int    `yaml:"inboxSize"`
	DiscoveryIntervalMs  int    `yaml:"discoveryIntervalMs"`
	MaxAcceptAttempts    int    `yaml:"maxAcceptAttempts"`
	ConcurrentSessions   bool   `yaml:"concurrentSessions"`
	TOS                  int    `yaml:"tos"`
	TTL                  int    `yaml:"ttl"`
	PcapFile             string `yaml:"pcapFile"`
	StatsIntervalMs      int    `yaml:"statsIntervalMs"`
	Debug                bool   `yaml:"debug"`
}

type ConnectionSection struct {
	WindowSize               int  `yaml:"windowSize"`
	MaxPayload               int  `yaml:"maxPayload"`
	HandshakeTimeoutMs       int  `yaml:"handshakeTimeoutMs"`
	HandshakeRetryIntervalMs int  `yaml:"handshakeRetryIntervalMs"`
	RetransmitTimeoutMs      int  `yaml:"retransmitTimeoutMs"`
	MaxRetransmits           int  `yaml:"maxRetransmits"`
	FinTimeoutMs             int  `yaml:"finTimeoutMs"`
	MaxFinRetries            int  `yaml:"maxFinRetries"`
	FinLingerMs              int  `yaml:"finLingerMs"`
	ReceiveIdleTimeoutMs     int  `yaml:"receiveIdleTimeoutMs"`
	LegacyZeroStrip          bool `yaml:"legacyZeroStrip"`
	RandomISN                bool `yaml:"randomISN"`
}

// Default returns the file form of lib's default configuration.
func Default() *Config {
	ep := lib.DefaultEndpointConfig()
	cc := ep.ConnConfig
	return &Config{
		Endpoint: EndpointSection{
			PayloadPoolSize:      ep.PayloadPoolSize,
			PoolDebug:            ep.PoolDebug,
			ProcessTimeThreshold: ep.ProcessTimeThreshold,
			InboxSize:            ep.InboxSize,
			DiscoveryIntervalMs:  toMs(ep.DiscoveryInterval),
			MaxAcceptAttempts:    ep.MaxAcceptAttempts,
			ConcurrentSessions:   ep.ConcurrentSessions,
			TOS:                  ep.TOS,
			TTL:                  ep.TTL,
			PcapFile:             ep.PcapFile,
			StatsIntervalMs:      toMs(ep.StatsInterval),
			Debug:                ep.Debug,
		},
		Connection: ConnectionSection{
			WindowSize:               cc.WindowSize,
			MaxPayload:               cc.MaxPayload,
			HandshakeTimeoutMs:       toMs(cc.HandshakeTimeout),
			HandshakeRetryIntervalMs: toMs(cc.HandshakeRetryInterval),
			RetransmitTimeoutMs:      toMs(cc.RetransmitTimeout),
			MaxRetransmits:           cc.MaxRetransmits,
			FinTimeoutMs:             toMs(cc.FinTimeout),
			MaxFinRetries:            cc.MaxFinRetries,
			FinLingerMs:              toMs(cc.FinLinger),
			ReceiveIdleTimeoutMs:     toMs(cc.ReceiveIdleTimeout),
			LegacyZeroStrip:          cc.LegacyZeroStrip,
			RandomISN:                cc.RandomISN,
		},
	}
}

// ReadConfig parses a YAML file on top of the defaults. Keys missing from the
// file keep their default value.
func ReadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return cfg, nil
}

// LoadConfig reads path and converts it into the lib configuration structs.
// A missing file yields the defaults.
func LoadConfig(path string) (*lib.EndpointConfig, *lib.ConnectionConfig, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		lib.LogInfo("%s not found, using built-in defaults", path)
		cfg = Default()
	}

	endpointConfig, connConfig := cfg.Convert()
	if err := endpointConfig.Validate(); err != nil {
		return nil, nil, errors.Wrapf(err, "invalid configuration in %s", path)
	}
	return endpointConfig, connConfig, nil
}

// Convert builds the lib structs. The endpoint config points at the
// returned connection config.
func (c *Config) Convert() (*lib.EndpointConfig, *lib.ConnectionConfig) {
	cs := c.Connection
	connConfig := &lib.ConnectionConfig{
		WindowSize:             cs.WindowSize,
		MaxPayload:             cs.MaxPayload,
		HandshakeTimeout:       fromMs(cs.HandshakeTimeoutMs),
		HandshakeRetryInterval: fromMs(cs.HandshakeRetryIntervalMs),
		RetransmitTimeout:      fromMs(cs.RetransmitTimeoutMs),
		MaxRetransmits:         cs.MaxRetransmits,
		FinTimeout:             fromMs(cs.FinTimeoutMs),
		MaxFinRetries:          cs.MaxFinRetries,
		FinLinger:              fromMs(cs.FinLingerMs),
		ReceiveIdleTimeout:     fromMs(cs.ReceiveIdleTimeoutMs),
		LegacyZeroStrip:        cs.LegacyZeroStrip,
		RandomISN:              cs.RandomISN,
	}

	es := c.Endpoint
	endpointConfig := &lib.EndpointConfig{
		PayloadPoolSize:      es.PayloadPoolSize,
		PoolDebug:            es.PoolDebug,
		ProcessTimeThreshold: es.ProcessTimeThreshold,
		InboxSize:            es.InboxSize,
		DiscoveryInterval:    fromMs(es.DiscoveryIntervalMs),
		MaxAcceptAttempts:    es.MaxAcceptAttempts,
		ConcurrentSessions:   es.ConcurrentSessions,
		TOS:                  es.TOS,
		TTL:                  es.TTL,
		PcapFile:             es.PcapFile,
		StatsInterval:        fromMs(es.StatsIntervalMs),
		Debug:                es.Debug,
		ConnConfig:           connConfig,
	}
	return endpointConfig, connConfig
}

func toMs(d time.Duration) int {
	return int(d / time.Millisecond)
}

func fromMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
