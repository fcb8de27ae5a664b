// Package comm holds what the hardware mirrors have in common: connection
// status, the last error seen and a bounded retry loop.
package comm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"motorsim/internal/logging"
)

// BaseCommunication tracks status and errors for one hardware link.
type BaseCommunication struct {
	config       ConnectionConfig
	status       ConnectionStatus
	lastError    error
	errorHandler ErrorHandler
	mutex        sync.RWMutex
	logger       *logging.Logger
}

func NewBaseCommunication(name string, config ConnectionConfig) *BaseCommunication {
	if config.RetryInterval <= 0 {
		config.RetryInterval = 100 * time.Millisecond
	}
	return &BaseCommunication{
		config:       config,
		status:       StatusDisconnected,
		errorHandler: DefaultErrorHandler{},
		logger:       logging.GetLogger(name),
	}
}

func (bc *BaseCommunication) GetStatus() ConnectionStatus {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.status
}

func (bc *BaseCommunication) SetStatus(status ConnectionStatus) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.status = status
}

func (bc *BaseCommunication) GetLastError() error {
	bc.mutex.RLock()
	defer bc.mutex.RUnlock()
	return bc.lastError
}

func (bc *BaseCommunication) IsConnected() bool {
	return bc.GetStatus() == StatusConnected
}

func (bc *BaseCommunication) SetErrorHandler(handler ErrorHandler) {
	bc.mutex.Lock()
	defer bc.mutex.Unlock()
	bc.errorHandler = handler
}

func (bc *BaseCommunication) Logger() *logging.Logger {
	return bc.logger
}

// HandleWithError records err and marks the link as failed.
func (bc *BaseCommunication) HandleWithError(err error) error {
	bc.mutex.Lock()
	bc.lastError = err
	bc.status = StatusError
	bc.mutex.Unlock()
	return err
}

// RetryWithTimeout runs operation up to RetryCount+1 times, waiting
// RetryInterval between attempts, for as long as the error handler considers
// the failure transient.
func (bc *BaseCommunication) RetryWithTimeout(ctx context.Context, operation func() error) error {
	var lastErr error

	for i := 0; i <= bc.config.RetryCount; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		bc.mutex.RLock()
		handler := bc.errorHandler
		bc.mutex.RUnlock()
		if handler != nil && !handler.ShouldRetry(err) {
			return err
		}
		if i == bc.config.RetryCount {
			break
		}

		bc.logger.Warn("Retry after error", "attempt", i+1, "max_attempts", bc.config.RetryCount, "error", err.Error())

		select {
		case <-time.After(bc.config.RetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("operation failed after %d retries, last error: %w", bc.config.RetryCount, lastErr)
}

// DefaultErrorHandler retries network timeouts and temporary errors.
type DefaultErrorHandler struct{}

func (DefaultErrorHandler) ShouldRetry(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
