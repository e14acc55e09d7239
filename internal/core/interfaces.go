// Package core defines the interfaces shared across the pricing sync system
package core

import "context"

// ILogger defines the logging interface used by all components
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IReconciler performs batch REST recalculation to recover from pricing drift
type IReconciler interface {
	// ReconcileAll re-fetches authoritative pricing for every known item of
	// the currently joined quote.
	ReconcileAll(ctx context.Context) error
	// Reconcile re-fetches authoritative pricing for the given item ids.
	Reconcile(ctx context.Context, itemIDs []string) error
}

// IHealthCheck is implemented by components that can report their own health
type IHealthCheck interface {
	CheckHealth(ctx context.Context) error
}
