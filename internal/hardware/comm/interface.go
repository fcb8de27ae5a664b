package comm

import (
	"time"
)

// ConnectionStatus is the state of a hardware link.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionConfig holds the settings shared by every link.
type ConnectionConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryCount    int           `yaml:"retry_count"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ErrorHandler decides whether a failed write is worth repeating.
type ErrorHandler interface {
	ShouldRetry(err error) bool
}
