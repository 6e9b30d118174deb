package config

import (
	"sync"
	"time"
)

type Config struct {
	DeviceSN    string
	DeviceName  string
	ProductName string

	AccessKey       string
	SecretKey       string
	AccountUser     string
	AccountPassword string
	APIType         string
	APIHost         string

	CollectingInterval time.Duration
	RetryTimeout       time.Duration
	EstablishAttempts  int

	HTTPTimeout        time.Duration
	HTTPRetries        int
	HTTPBackoffFactor  float64
	DeviceListCacheTTL time.Duration

	MQTTTimeout          time.Duration
	MQTTKeepalive        time.Duration
	IdleCheckInterval    time.Duration
	MaxReconnectDelay    time.Duration
	QuotaRequestInterval time.Duration

	MetricsPrefix string
}

var (
	config *Config
	once   sync.Once
)

func NewConfig(c *Config) {
	once.Do(func() {
		if c != nil {
			config = c
		} else {
			config = &Config{}
		}
	})
}

func GetConfig() *Config {
	if config != nil {
		return config
	}

	NewConfig(nil)
	return config
}
