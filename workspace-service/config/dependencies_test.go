package config

import (
	"context"
	"testing"

	"github.com/draftea/workspace-manager/shared/telemetry"
	"github.com/stretchr/testify/assert"
)

func TestDependencies_TelemetryContext(t *testing.T) {
	tel := telemetry.NewTelemetry(telemetry.NewConfigForService("workspace-service", "test", ""))

	tests := []struct {
		name      string
		telemetry *telemetry.Telemetry
		expected  *telemetry.Telemetry
	}{
		{
			name:      "enabled telemetry reaches background workers",
			telemetry: tel,
			expected:  tel,
		},
		{
			name: "disabled telemetry leaves the context alone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := &Dependencies{Telemetry: tt.telemetry}

			ctx := deps.telemetryContext(context.Background())

			if tt.expected == nil {
				assert.Nil(t, telemetry.FromContext(ctx))
				return
			}
			assert.Same(t, tt.expected, telemetry.FromContext(ctx))
		})
	}
}
