package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensegrid/blecentral/pkg/config"
)

func TestApplyLogFlags(t *testing.T) {
	// GOAL: Verify the logger flags resolve through the shared config path
	//
	// TEST SCENARIO: No flags → quiet, --verbose → debug, --log-level wins
	// over --verbose, an unknown level is rejected

	tests := []struct {
		name     string
		logLevel string
		verbose  bool
		want     string
		wantErr  bool
	}{
		{name: "default stays quiet", want: "panic"},
		{name: "verbose enables debug", verbose: true, want: "debug"},
		{name: "log-level wins over verbose", logLevel: "warn", verbose: true, want: "warn"},
		{name: "unknown level rejected", logLevel: "noisy", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := &cobra.Command{}
			cmd.Flags().String("log-level", "", "")
			cmd.Flags().Bool("verbose", false, "")
			if tt.logLevel != "" {
				require.NoError(t, cmd.Flags().Set("log-level", tt.logLevel))
			}
			if tt.verbose {
				require.NoError(t, cmd.Flags().Set("verbose", "true"))
			}

			cfg := config.DefaultConfig()
			err := applyLogFlags(cmd, cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Log.Level)
		})
	}
}
