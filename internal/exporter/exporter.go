// Package exporter persists session snapshots taken at reset time.
package exporter

import (
	"context"
	"errors"

	"github.com/tetherlabs/tether/pkg/models"
)

// Sink receives one export per session reset. The target names the
// session's sandbox; sinks that persist elsewhere ignore it.
type Sink interface {
	Save(ctx context.Context, target string, export models.SessionExport) error
}

// MultiSink fans one export out to several sinks. Every sink is attempted;
// failures are joined.
type MultiSink []Sink

func (m MultiSink) Save(ctx context.Context, target string, export models.SessionExport) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Save(ctx, target, export); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
