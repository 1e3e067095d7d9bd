package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/autopeer-io/updater/internal/updater/core/model"
)

func TestSetPhase(t *testing.T) {
	SetPhase(model.PhaseInstalling)

	assert.Equal(t, 1.0, testutil.ToFloat64(Phase.WithLabelValues("installing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(Phase.WithLabelValues("idle")))

	SetPhase(model.PhaseIdle)
	assert.Equal(t, 0.0, testutil.ToFloat64(Phase.WithLabelValues("installing")))
}

func TestRegistryGathers(t *testing.T) {
	ChecksTotal.WithLabelValues("none").Inc()

	families, err := Registry.Gather()
	assert.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["updater_phase"])
	assert.True(t, names["updater_checks_total"])
}
