package telemetry_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"libranexus/internal/circulation"
	"libranexus/internal/circulation/memstore"
	"libranexus/internal/telemetry"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), "", "circulation")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

// keepSpans survives provider shutdown, which would otherwise reset it.
type keepSpans struct {
	*tracetest.InMemoryExporter
}

func (keepSpans) Shutdown(context.Context) error { return nil }

func TestInstallRecordsCirculationSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	shutdown := telemetry.Install(keepSpans{exporter}, "circulation-test")

	svc := circulation.NewService(memstore.New())
	_, err := svc.AddCopy(context.Background(), uuid.New(), "BC-1")
	require.NoError(t, err)

	// Shutdown flushes the batcher.
	require.NoError(t, shutdown(context.Background()))

	names := []string{}
	for _, s := range exporter.GetSpans() {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "circulation.AddCopy")
}
