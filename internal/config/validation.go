package config

import "fmt"

// Validate checks the configuration for internally-consistent values.
func (c *Config) Validate() error {
	if err := validateApp(c); err != nil {
		return err
	}
	if err := validateKafka(c); err != nil {
		return err
	}
	if err := validateGroupHost(c); err != nil {
		return err
	}
	if err := validateHealth(c); err != nil {
		return err
	}
	if err := validateCircuitBreaker(c); err != nil {
		return err
	}
	return nil
}

func validateApp(c *Config) error {
	if c.App.Name == "" {
		return fmt.Errorf("app name cannot be empty")
	}
	if !isValidLogLevel(c.App.LogLevel) {
		return fmt.Errorf("invalid log level: %s", c.App.LogLevel)
	}
	if c.App.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func validateKafka(c *Config) error {
	if c.Kafka.BootstrapServers == "" {
		return fmt.Errorf("kafka bootstrap servers cannot be empty")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka group id cannot be empty")
	}
	if c.Kafka.SessionTimeout <= 0 {
		return fmt.Errorf("kafka session timeout must be positive")
	}
	return nil
}

func validateGroupHost(c *Config) error {
	if c.GroupHost.PollTimeout <= 0 {
		return fmt.Errorf("group host poll timeout must be positive")
	}
	if c.GroupHost.SubscriptionRefresh <= 0 {
		return fmt.Errorf("group host subscription refresh interval must be positive")
	}
	if c.GroupHost.QueueSize <= 0 {
		return fmt.Errorf("group host queue size must be positive")
	}
	if c.GroupHost.MaxBatchSize <= 0 {
		return fmt.Errorf("group host max batch size must be positive")
	}
	return nil
}

func validateHealth(c *Config) error {
	if !c.Health.Enabled {
		return nil
	}
	if c.Health.Port <= 0 || c.Health.Port > 65535 {
		return fmt.Errorf("health port out of range: %d", c.Health.Port)
	}
	return nil
}

func validateCircuitBreaker(c *Config) error {
	if !c.CircuitBreaker.Enabled {
		return nil
	}
	if c.CircuitBreaker.ErrorThreshold <= 0 || c.CircuitBreaker.ErrorThreshold > 100 {
		return fmt.Errorf("circuit breaker error threshold must be in (0,100]: %v", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.SuccessThreshold <= 0 {
		return fmt.Errorf("circuit breaker success threshold must be positive")
	}
	return nil
}
