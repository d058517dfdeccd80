package main

import (
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		deviceIndex:  0,
		channel:      0,
		bitrate:      500000,
		timing0:      -1,
		timing1:      -1,
		pollInterval: 5 * time.Millisecond,
		listenAddr:   ":20000",
		logFormat:    "text",
		logLevel:     "info",
		hubBuffer:    8,
		hubPolicy:    "drop",
		backend:      "canalyst",
		maxClients:   0,
		handshakeTO:  time.Second,
		clientReadTO: time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
}

func TestConfigValidate_RawTimings(t *testing.T) {
	c := baseConfig()
	c.bitrate = 0
	c.timing0 = 0x00
	c.timing1 = 0x1C
	if err := c.validate(); err != nil {
		t.Fatalf("expected raw timings config valid, got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"badPolicy", func(c *appConfig) { c.hubPolicy = "x" }},
		{"badHubBuf", func(c *appConfig) { c.hubBuffer = 0 }},
		{"badDeviceIndex", func(c *appConfig) { c.deviceIndex = -1 }},
		{"badChannel", func(c *appConfig) { c.channel = 2 }},
		{"timingsWithoutPair", func(c *appConfig) { c.timing0 = 3 }},
		{"timingsAndBitrate", func(c *appConfig) { c.timing0 = 3; c.timing1 = 4 }},
		{"neitherBitrateNorTimings", func(c *appConfig) { c.bitrate = 0 }},
		{"badPollInterval", func(c *appConfig) { c.pollInterval = 0 }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
	}
	for _, tc := range tests {
		base := baseConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}
