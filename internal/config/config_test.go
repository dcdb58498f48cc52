package config

import (
	"os"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func withEnv(t *testing.T, envs map[string]string) {
	t.Helper()

	original := make(map[string]string)
	for k := range envs {
		original[k] = os.Getenv(k)
	}

	for k, v := range envs {
		_ = os.Setenv(k, v)
	}

	t.Cleanup(func() {
		for k, v := range original {
			if v == "" {
				_ = os.Unsetenv(k)
			} else {
				_ = os.Setenv(k, v)
			}
		}
	})
}

func newBoundViper() *viper.Viper {
	cmd := &cobra.Command{Use: "qscheduler"}
	v := viper.New()
	BindFlags(cmd, v)
	return v
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		envs      map[string]string
		check     func(t *testing.T, cfg *Config)
		shouldErr bool
	}{
		{
			name: "minimal valid config",
			envs: map[string]string{
				"SCHEDULER_ADDRESS_TO_TOKEN_DATABASE": "http://token-db:8080",
				"SCHEDULER_TABLE_PARAMETER":           "/qscheduler/table-name",
				"SCHEDULER_BUCKET_PARAMETER":          "/qscheduler/bucket-name",
			},
			check: func(t *testing.T, cfg *Config) {
				if cfg.AddressToTokenDatabase != "http://token-db:8080" {
					t.Fatalf("unexpected AddressToTokenDatabase: %q", cfg.AddressToTokenDatabase)
				}
				if cfg.PortForSubmission != 8443 || cfg.PortForExecution != 8444 {
					t.Fatalf("unexpected default ports: %+v", cfg)
				}
				if cfg.SubmissionMaxWorkers != 100 || cfg.ExecutionMaxWorkers != 10 {
					t.Fatalf("unexpected default worker counts: %+v", cfg)
				}
			},
		},
		{
			name:      "missing address-to-token-database",
			envs:      map[string]string{"SCHEDULER_TABLE_PARAMETER": "/qscheduler/table-name"},
			shouldErr: true,
		},
		{
			name:      "missing table-parameter",
			envs:      map[string]string{"SCHEDULER_ADDRESS_TO_TOKEN_DATABASE": "http://token-db:8080"},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withEnv(t, tt.envs)

			v := newBoundViper()
			cfg, err := Load(v)
			if tt.shouldErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoadRoleLimitOverride(t *testing.T) {
	withEnv(t, map[string]string{
		"SCHEDULER_ADDRESS_TO_TOKEN_DATABASE":     "http://token-db:8080",
		"SCHEDULER_TABLE_PARAMETER":                "/qscheduler/table-name",
		"SCHEDULER_MAX_CONCURRENT_JOBS_DEVELOPER": "42",
	})

	v := newBoundViper()
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := cfg.RoleLimits["DEVELOPER"]
	if got.MaxConcurrentJobs != 42 {
		t.Fatalf("expected overridden quota 42, got %d", got.MaxConcurrentJobs)
	}
}
