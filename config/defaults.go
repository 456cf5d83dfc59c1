package config

import "time"

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			HMACMaxSkewMS: 300000,
		},
		RateLimit: RateLimitConfig{
			Capacity:           60,
			RefillPerSec:       1,
			StreamCapacity:     10,
			StreamRefillPerSec: 0.2,
		},
		Stream: StreamConfig{
			RingCapacity:    64,
			HeartbeatEvery:  10 * time.Second,
			ResumeRetention: 3 * time.Minute,
			GateWindow:      10 * time.Second,
		},
		Engine: EngineConfig{
			TimeoutMS:  5000,
			MaxRetries: 1,
		},
		LLM: LLMConfig{
			Provider:         "fixtures",
			DraftTimeout:     15 * time.Second,
			MaxRepairRetries: 2,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "cee",
			SampleRate:  1.0,
		},
		Perf: PerfConfig{
			DurationSec: 60,
			Concurrent:  4,
			Mode:        "dry",
		},
	}
}
