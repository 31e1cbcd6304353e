package battery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/mecam/internal/config"
)

func probeWith(t *testing.T, enabled bool, capacity string) *Probe {
	t.Helper()
	root := t.TempDir()
	if capacity != "" {
		dir := filepath.Join(root, "BAT0")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "capacity"), []byte(capacity), 0o644))
	}
	cfg := config.NewDefaultConfig()
	cfg.Battery.Enabled = enabled
	cfg.Battery.SupplyName = "BAT0"
	cfg.Battery.LowThresholdPercent = 20
	p := NewProbe(config.NewStaticProvider(cfg))
	p.root = root
	return p
}

func TestProbeRead(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		capacity string
		percent  int
		low      bool
		wantErr  bool
	}{
		{name: "disabled", enabled: false, capacity: "50\n"},
		{name: "healthy", enabled: true, capacity: "76\n", percent: 76},
		{name: "at threshold", enabled: true, capacity: "20", percent: 20, low: true},
		{name: "missing supply", enabled: true, wantErr: true},
		{name: "garbage", enabled: true, capacity: "full", wantErr: true},
		{name: "out of range", enabled: true, capacity: "140", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := probeWith(t, tt.enabled, tt.capacity).Read()
			assert.Equal(t, tt.enabled, st.Enabled)
			if !tt.enabled {
				assert.Nil(t, st.Percent)
				return
			}
			if tt.wantErr {
				assert.NotEmpty(t, st.Error)
				assert.Nil(t, st.Percent)
				return
			}
			require.NotNil(t, st.Percent)
			assert.Equal(t, tt.percent, *st.Percent)
			assert.Equal(t, tt.low, st.IsLow)
		})
	}
}
