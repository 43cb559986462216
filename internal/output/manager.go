package output

import (
	"errors"
	"fmt"
	"log/slog"
)

// Sink defines a destination for run events and audit records.
type Sink interface {
	Write(v any) error
	Close() error
}

type entry struct {
	sink     Sink
	required bool
}

// Manager fans values out to its sinks in the order they were added.
//
// Required sinks (the audit report) must accept every value: the first
// failure stops the fan-out and is returned. Failures of the other sinks are
// logged and reported only from Close.
type Manager struct {
	sinks  []entry
	logger *slog.Logger
	failed []error
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{logger: logger}
}

// AddRequired registers a sink whose failures abort the caller.
func (m *Manager) AddRequired(s Sink) error {
	return m.add(s, true)
}

func (m *Manager) AddSink(s Sink) error {
	return m.add(s, false)
}

func (m *Manager) add(s Sink, required bool) error {
	if m == nil {
		return fmt.Errorf("output manager is nil")
	}
	if s == nil {
		return fmt.Errorf("sink must not be nil")
	}
	m.sinks = append(m.sinks, entry{sink: s, required: required})
	return nil
}

func (m *Manager) Write(v any) error {
	if m == nil {
		return fmt.Errorf("output manager is nil")
	}
	for _, e := range m.sinks {
		if !e.required {
			continue
		}
		if err := e.sink.Write(v); err != nil {
			return fmt.Errorf("write %T: %w", e.sink, err)
		}
	}
	for _, e := range m.sinks {
		if e.required {
			continue
		}
		if err := e.sink.Write(v); err != nil {
			m.logger.Warn("output sink write failed", "sink", fmt.Sprintf("%T", e.sink), "error", err)
			m.failed = append(m.failed, fmt.Errorf("write %T: %w", e.sink, err))
		}
	}
	return nil
}

// Close closes every sink. It returns the close errors joined with any
// earlier write failure of a non-required sink.
func (m *Manager) Close() error {
	if m == nil {
		return fmt.Errorf("output manager is nil")
	}
	errs := append([]error(nil), m.failed...)
	for _, e := range m.sinks {
		if err := e.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %T: %w", e.sink, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing sinks: %w", errors.Join(errs...))
	}
	return nil
}
