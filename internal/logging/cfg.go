package logging

import "go.uber.org/zap/zapcore"

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the minimum level that reaches the output.
	Level zapcore.Level `yaml:"level"`
}
