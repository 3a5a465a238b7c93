package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/orion-care-sensor/ota/internal/otaerr"
)

var thingNamePattern = regexp.MustCompile(`^[a-zA-Z0-9:_-]{1,128}$`)

// blockOverhead is added to the block size to bound a buffered publish.
const blockOverhead = 1530

const (
	minBlockSizeLog2 = 8
	maxBlockSizeLog2 = 17
)

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate thing_name
	if cfg.ThingName == "" {
		return fmt.Errorf("%w: thing_name is required", otaerr.ErrConfiguration)
	}
	if !thingNamePattern.MatchString(cfg.ThingName) {
		return fmt.Errorf("%w: thing_name must match pattern [a-zA-Z0-9:_-]{1,128}", otaerr.ErrConfiguration)
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateMQTT(cfg); err != nil {
		return err
	}
	if err := validateOTA(&cfg.OTA); err != nil {
		return err
	}

	if cfg.Jobs.DocMaxLen <= 0 {
		cfg.Jobs.DocMaxLen = 4096
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8080"
	}

	return nil
}

func validateMQTT(cfg *Config) error {
	m := &cfg.MQTT

	if m.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required", otaerr.ErrConfiguration)
	}
	if m.ClientID == "" {
		m.ClientID = cfg.ThingName
	}

	if m.KeepAliveS < 0 {
		return fmt.Errorf("%w: mqtt.keep_alive_s must be >= 0", otaerr.ErrConfiguration)
	}
	if m.KeepAliveS == 0 {
		m.KeepAliveS = 60
	}
	if m.CommandTimeoutMS <= 0 {
		m.CommandTimeoutMS = 5000
	}
	if m.CommandQueue <= 0 {
		m.CommandQueue = 10
	}
	if m.MaxSubscriptions <= 0 {
		m.MaxSubscriptions = 10
	}

	return nil
}

func validateOTA(o *OTAConfig) error {
	if o.Buffers < 0 {
		return fmt.Errorf("%w: ota.buffers must be > 0", otaerr.ErrConfiguration)
	}
	if o.Buffers == 0 {
		o.Buffers = 4
	}

	if o.BlockSizeLog2 == 0 {
		o.BlockSizeLog2 = 12
	}
	if o.BlockSizeLog2 < minBlockSizeLog2 || o.BlockSizeLog2 > maxBlockSizeLog2 {
		return fmt.Errorf("%w: ota.block_size_log2 must be in %d..%d, got %d",
			otaerr.ErrConfiguration, minBlockSizeLog2, maxBlockSizeLog2, o.BlockSizeLog2)
	}

	if o.EventQueue <= 0 {
		o.EventQueue = 20
	}
	if o.StatsIntervalMS <= 0 {
		o.StatsIntervalMS = 1000
	}
	if o.LockTimeoutMS <= 0 {
		o.LockTimeoutMS = 1000
	}
	if o.ImagePath == "" {
		o.ImagePath = "ota-image.bin"
	}
	if o.AppVersion == "" {
		o.AppVersion = "0.9.2"
	}

	if o.BlocksPerRequest < 0 {
		return fmt.Errorf("%w: ota.blocks_per_request must be > 0", otaerr.ErrConfiguration)
	}
	if o.BlocksPerRequest == 0 {
		o.BlocksPerRequest = o.Buffers
	}
	if o.BlocksPerRequest > o.Buffers {
		return fmt.Errorf("%w: ota.blocks_per_request (%d) must not exceed ota.buffers (%d)",
			otaerr.ErrConfiguration, o.BlocksPerRequest, o.Buffers)
	}
	if o.RequestTimeoutMS <= 0 {
		o.RequestTimeoutMS = 10000
	}
	if o.MaxRequestRetries <= 0 {
		o.MaxRequestRetries = 32
	}

	return nil
}
