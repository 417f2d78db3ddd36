// This file defines the extensibility hooks for gridsync. It provides
// metrics collection and lifecycle callbacks that can be integrated with
// external monitoring systems.
package gridsync

import (
	"time"
)

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations can forward these metrics to monitoring systems like
// Prometheus, StatsD, or custom analytics platforms.
type MetricsCollector interface {
	// ConnectionOpened is called when a new connection is authenticated.
	ConnectionOpened(connID string)

	// ConnectionClosed is called when a connection is closed, with the connection duration.
	ConnectionClosed(connID string, duration time.Duration)

	// RoomJoined is called when a connection joins a file room.
	RoomJoined(userID string, fileId string)

	// RoomLeft is called when a connection leaves a file room.
	RoomLeft(userID string, fileId string)

	// EventRelayed tracks relayed events with recipient count.
	EventRelayed(fileId string, event string, recipientCount int)

	// SaveApplied tracks one reconciled save batch.
	SaveApplied(fileId string, applied, conflicts, skipped int)

	// Error tracks errors occurring in different components.
	Error(component string, err error)
}

type Hooks struct {
	Metrics MetricsCollector

	OnConnect    func(conn *Conn) error
	OnDisconnect func(conn *Conn)
}

type noopMetrics struct{}

func (n *noopMetrics) ConnectionOpened(connID string) {}

func (n *noopMetrics) ConnectionClosed(connID string, duration time.Duration) {}

func (n *noopMetrics) RoomJoined(userID string, fileId string) {}

func (n *noopMetrics) RoomLeft(userID string, fileId string) {}

func (n *noopMetrics) EventRelayed(fileId string, event string, recipientCount int) {}

func (n *noopMetrics) SaveApplied(fileId string, applied, conflicts, skipped int) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a no-operation metrics collector that discards all
// metrics. Useful for disabling collection without changing code structure.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}
