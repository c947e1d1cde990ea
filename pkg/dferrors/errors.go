// Package dferrors defines the dataflow error taxonomy. Operator-local faults
// are fatal to the whole graph: there is no degraded partial-success mode, so
// every visible output always reflects a fully applied epoch.
package dferrors

import (
	"errors"
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
)

// Kind classifies an engine error for propagation and recovery decisions.
type Kind string

const (
	// KindConnector is boundary I/O whose connector-side retries are
	// exhausted. Transient retry is the connector's responsibility; the
	// engine only ever sees the fatal escalation.
	KindConnector Kind = "connector"

	// KindSchema is an ingested row failing type/shape validation. Fatal
	// for the offending source, other sources are unaffected.
	KindSchema Kind = "schema"

	// KindState is an index or aggregate invariant violation, e.g. a
	// negative count where none is possible. Fatal for the graph.
	KindState Kind = "state"

	// KindRecovery is a snapshot/WAL inconsistency detected at startup.
	// Startup halts pending operator intervention.
	KindRecovery Kind = "recovery"
)

// Error is a classified dataflow error carrying the failing operator and
// epoch where known.
type Error struct {
	Kind     Kind
	Operator string
	Epoch    epoch.Epoch
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Operator != "" && e.Err != nil:
		return fmt.Sprintf("%s error in operator %q at %s: %v", e.Kind, e.Operator, e.Epoch, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s error in operator %q at %s", e.Kind, e.Operator, e.Epoch)
	}
}

func (e *Error) Unwrap() error { return e.Err }

type ErrConnector = error

// NewConnectorError reports fatal boundary I/O for a source or sink.
func NewConnectorError(connector string, err error) ErrConnector {
	return &Error{Kind: KindConnector, Operator: connector, Err: err}
}

type ErrSchema = error

// NewSchemaError reports a row that failed validation at ingestion.
func NewSchemaError(source string, e epoch.Epoch, err error) ErrSchema {
	return &Error{Kind: KindSchema, Operator: source, Epoch: e, Err: err}
}

type ErrState = error

// NewStateError reports an operator state invariant violation.
func NewStateError(operator string, e epoch.Epoch, err error) ErrState {
	return &Error{Kind: KindState, Operator: operator, Epoch: e, Err: err}
}

type ErrRecovery = error

// NewRecoveryError reports a snapshot/WAL inconsistency found at startup.
func NewRecoveryError(err error) ErrRecovery {
	return &Error{Kind: KindRecovery, Err: err}
}

// KindOf returns the classification of err, or an empty Kind for plain errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsState reports whether err is (or wraps) a state invariant violation.
func IsState(err error) bool { return KindOf(err) == KindState }

// IsSchema reports whether err is (or wraps) a schema validation failure.
func IsSchema(err error) bool { return KindOf(err) == KindSchema }

// IsRecovery reports whether err is (or wraps) a startup recovery failure.
func IsRecovery(err error) bool { return KindOf(err) == KindRecovery }

// IsConnector reports whether err is (or wraps) a fatal connector failure.
func IsConnector(err error) bool { return KindOf(err) == KindConnector }
