package events

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/OCAP2/mapsync/internal/events"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}
