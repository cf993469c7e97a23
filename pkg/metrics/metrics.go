// Package metrics holds shared Prometheus helpers.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every launchpad metric.
const Namespace = "launchpad"

// Register registers collector with the default registry. When an identical
// collector was registered earlier, for example by a second router in tests,
// the existing one is returned instead.
func Register[C prometheus.Collector](collector C) C {
	if err := prometheus.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}
