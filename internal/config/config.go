// Package config resolves the scheduler's CLI flags and environment
// tunables into a typed Config, one explicit getter per concern with
// "KEY: X is empty" validation errors, sourced from
// github.com/spf13/viper bound to github.com/spf13/cobra flags.
package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quantumcloud/qscheduler/internal/model"
)

// RoleLimits holds a role's admission quotas: concurrent job count and
// maximum program size.
type RoleLimits struct {
	MaxConcurrentJobs int
	MaxJobBytes       int64
}

// AWSCredentials holds the static credentials threaded into every AWS
// SDK v2 client the scheduler builds (SSM, S3).
type AWSCredentials struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

// Config is the fully resolved scheduler configuration.
type Config struct {
	Dev bool

	PortForSubmission int
	PortForExecution  int

	AddressToTokenDatabase string

	AWS AWSCredentials

	BackendStatusParameter string
	BucketParameter        string
	TableParameter         string

	S3Endpoint string // dev-only override

	UnifyBackends bool

	SubmissionMaxWorkers int
	ExecutionMaxWorkers  int
	MaxQueueBytes        int64

	RoleLimits map[model.Role]RoleLimits

	// MaxConcurrentJobsPerToken bounds a single token's concurrently
	// active (queued or running) jobs independent of its role's quota.
	// Zero means unlimited.
	MaxConcurrentJobsPerToken int

	TraceCollectorURL string

	NatsURL string
}

// BindFlags registers every scheduler flag on cmd and binds it into v,
// falling back to the matching environment variable.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.Flags()

	flags.Bool("dev", false, "enable dev-mode console logging and insecure defaults")
	flags.Int("port-for-submission", 8443, "listen port for the user-facing submission RPC surface")
	flags.Int("port-for-execution", 8444, "listen port for the worker-facing execution RPC surface")
	flags.String("address-to-token-database", "", "address of the token-info service")
	flags.String("aws-region", "", "AWS region for SSM/S3 clients")
	flags.String("aws-access-key-id", "", "AWS access key ID")
	flags.String("aws-secret-access-key", "", "AWS secret access key")
	flags.String("endpoint", "", "dev-only AWS SDK endpoint override (SSM)")
	flags.String("s3-endpoint", "", "dev-only S3/MinIO endpoint override")
	flags.String("backend-status-parameter", "/qscheduler/backend-status", "parameter-store key for the backend-status TOML document")
	flags.String("bucket-parameter", "/qscheduler/bucket-name", "parameter-store key for the object-store bucket name")
	flags.String("table-parameter", "", "parameter-store key for the record-store connection string")
	flags.Bool("unify-backends", false, "collapse every known backend into a single dispatch queue")
	flags.String("trace-collector", "", "OTLP/HTTP trace collector endpoint (empty disables tracing)")
	flags.String("nats-url", "", "NATS JetStream URL for the message-log mirror (empty disables it)")

	_ = v.BindPFlag("dev", flags.Lookup("dev"))
	_ = v.BindPFlag("port_for_submission", flags.Lookup("port-for-submission"))
	_ = v.BindPFlag("port_for_execution", flags.Lookup("port-for-execution"))
	_ = v.BindPFlag("address_to_token_database", flags.Lookup("address-to-token-database"))
	_ = v.BindPFlag("aws_region", flags.Lookup("aws-region"))
	_ = v.BindPFlag("aws_access_key_id", flags.Lookup("aws-access-key-id"))
	_ = v.BindPFlag("aws_secret_access_key", flags.Lookup("aws-secret-access-key"))
	_ = v.BindPFlag("endpoint", flags.Lookup("endpoint"))
	_ = v.BindPFlag("s3_endpoint", flags.Lookup("s3-endpoint"))
	_ = v.BindPFlag("backend_status_parameter", flags.Lookup("backend-status-parameter"))
	_ = v.BindPFlag("bucket_parameter", flags.Lookup("bucket-parameter"))
	_ = v.BindPFlag("table_parameter", flags.Lookup("table-parameter"))
	_ = v.BindPFlag("unify_backends", flags.Lookup("unify-backends"))
	_ = v.BindPFlag("trace_collector", flags.Lookup("trace-collector"))
	_ = v.BindPFlag("nats_url", flags.Lookup("nats-url"))

	v.SetEnvPrefix("SCHEDULER")
	v.AutomaticEnv()
}

func defaultRoleLimits() map[model.Role]RoleLimits {
	return map[model.Role]RoleLimits{
		model.RoleAdmin:     {MaxConcurrentJobs: 1000, MaxJobBytes: 10 << 20},
		model.RoleDeveloper: {MaxConcurrentJobs: 10, MaxJobBytes: 10 << 20},
		model.RoleGuest:     {MaxConcurrentJobs: 5, MaxJobBytes: 1 << 20},
	}
}

// roleEnvOverride applies MAX_CONCURRENT_JOBS_<ROLE> / MAX_JOB_BYTES_<ROLE>
// overrides for a single role on top of the defaults.
func roleEnvOverride(v *viper.Viper, role model.Role, limits RoleLimits) RoleLimits {
	if n := v.GetInt(fmt.Sprintf("max_concurrent_jobs_%s", role)); n > 0 {
		limits.MaxConcurrentJobs = n
	}
	if b := v.GetInt64(fmt.Sprintf("max_job_bytes_%s", role)); b > 0 {
		limits.MaxJobBytes = b
	}
	return limits
}

// Load resolves the bound flags/environment into a Config, validating the
// fields the scheduler cannot start without.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Dev:                    v.GetBool("dev"),
		PortForSubmission:      v.GetInt("port_for_submission"),
		PortForExecution:       v.GetInt("port_for_execution"),
		AddressToTokenDatabase: v.GetString("address_to_token_database"),
		AWS: AWSCredentials{
			EndpointURL:     v.GetString("endpoint"),
			AccessKeyID:     v.GetString("aws_access_key_id"),
			SecretAccessKey: v.GetString("aws_secret_access_key"),
			Region:          v.GetString("aws_region"),
		},
		BackendStatusParameter: v.GetString("backend_status_parameter"),
		BucketParameter:        v.GetString("bucket_parameter"),
		TableParameter:         v.GetString("table_parameter"),
		S3Endpoint:             v.GetString("s3_endpoint"),
		UnifyBackends:          v.GetBool("unify_backends"),
		TraceCollectorURL:      v.GetString("trace_collector"),
		NatsURL:                v.GetString("nats_url"),
	}

	cfg.SubmissionMaxWorkers = v.GetInt("submission_max_workers")
	if cfg.SubmissionMaxWorkers <= 0 {
		cfg.SubmissionMaxWorkers = 100
	}
	cfg.ExecutionMaxWorkers = v.GetInt("execution_max_workers")
	if cfg.ExecutionMaxWorkers <= 0 {
		cfg.ExecutionMaxWorkers = 10
	}
	cfg.MaxQueueBytes = v.GetInt64("max_queue_bytes")
	if cfg.MaxQueueBytes <= 0 {
		cfg.MaxQueueBytes = 100 << 20
	}
	cfg.MaxConcurrentJobsPerToken = v.GetInt("max_concurrent_jobs_per_token")

	limits := defaultRoleLimits()
	for role, l := range limits {
		limits[role] = roleEnvOverride(v, role, l)
	}
	cfg.RoleLimits = limits

	if cfg.AddressToTokenDatabase == "" {
		return nil, fmt.Errorf("KEY: address-to-token-database is empty")
	}
	if cfg.TableParameter == "" {
		return nil, fmt.Errorf("KEY: table-parameter is empty")
	}
	if cfg.BucketParameter == "" {
		return nil, fmt.Errorf("KEY: bucket-parameter is empty")
	}

	return cfg, nil
}
