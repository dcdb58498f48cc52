// Command qscheduler runs the scheduler control plane: two independent
// HTTP listeners (submission and execution), a background timeout
// sweeper, and startup queue restoration.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quantumcloud/qscheduler/internal/admission"
	"github.com/quantumcloud/qscheduler/internal/api/execution"
	"github.com/quantumcloud/qscheduler/internal/api/submission"
	"github.com/quantumcloud/qscheduler/internal/backend"
	"github.com/quantumcloud/qscheduler/internal/config"
	"github.com/quantumcloud/qscheduler/internal/lifecycle"
	"github.com/quantumcloud/qscheduler/internal/logger"
	"github.com/quantumcloud/qscheduler/internal/messagelog"
	"github.com/quantumcloud/qscheduler/internal/model"
	"github.com/quantumcloud/qscheduler/internal/objectstore"
	"github.com/quantumcloud/qscheduler/internal/queue"
	"github.com/quantumcloud/qscheduler/internal/recordstore"
	"github.com/quantumcloud/qscheduler/internal/token"
	"github.com/quantumcloud/qscheduler/internal/tracer"
)

const sweepInterval = 15 * time.Second

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "qscheduler",
		Short: "Quantum job scheduler control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	config.BindFlags(root, v)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		logger.Log.Fatal().Err(err).Msg("qscheduler exited with error")
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger.Init("qscheduler", cfg.Dev)
	shutdownTracer, err := tracer.Init(ctx, "qscheduler", cfg.TraceCollectorURL)
	if err != nil {
		return err
	}
	defer shutdownTracer()

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return err
	}

	ssmClient := ssm.NewFromConfig(awsCfg, func(o *ssm.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})
	catalog := backend.New(ssmClient, cfg.BackendStatusParameter, cfg.UnifyBackends)

	bucketName, err := resolveParameter(ctx, ssmClient, cfg.BucketParameter)
	if err != nil {
		return err
	}

	objects, err := objectstore.New(objectstore.Config{
		Endpoint:  effectiveS3Endpoint(cfg),
		AccessKey: cfg.AWS.AccessKeyID,
		SecretKey: cfg.AWS.SecretAccessKey,
		Bucket:    bucketName,
		UseSSL:    !cfg.Dev,
	})
	if err != nil {
		return err
	}
	defer objects.Close()

	databaseURL, err := resolveParameter(ctx, ssmClient, cfg.TableParameter)
	if err != nil {
		return err
	}

	db, err := recordstore.Open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}
	records := recordstore.New(db)

	messages, err := messagelog.New(cfg.NatsURL)
	if err != nil {
		return err
	}
	defer messages.Close()

	adm := admission.New(toAdmissionLimits(cfg.RoleLimits), cfg.MaxConcurrentJobsPerToken)
	q := queue.New(cfg.MaxQueueBytes)
	coordinator := lifecycle.New(adm, q, records, objects, messages, catalog)

	logger.Log.Info().Msg("restoring queue state from record store")
	if err := coordinator.RestoreQueue(ctx); err != nil {
		return err
	}

	tokens := token.New(cfg.AddressToTokenDatabase)

	submissionSrv := submission.New(coordinator, records, objects, messages, catalog, tokens, cfg.SubmissionMaxWorkers)
	executionSrv := execution.New(coordinator, objects, cfg.ExecutionMaxWorkers)

	submissionHTTP := &http.Server{
		Addr:    portAddr(cfg.PortForSubmission),
		Handler: submissionSrv.Router(),
	}
	executionHTTP := &http.Server{
		Addr:    portAddr(cfg.PortForExecution),
		Handler: executionSrv.Router(),
	}

	go runSweeper(ctx, coordinator)

	errCh := make(chan error, 2)
	go func() { errCh <- serve(submissionHTTP, "submission") }()
	go func() { errCh <- serve(executionHTTP, "execution") }()

	select {
	case <-ctx.Done():
		logger.Log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Log.Error().Err(err).Msg("RPC surface failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = submissionHTTP.Shutdown(shutdownCtx)
	_ = executionHTTP.Shutdown(shutdownCtx)

	return nil
}

func serve(srv *http.Server, name string) error {
	logger.Log.Info().Str("surface", name).Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runSweeper(ctx context.Context, coordinator *lifecycle.Coordinator) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := coordinator.SweepTimeouts(ctx)
			if err != nil {
				logger.Log.Error().Err(err).Msg("timeout sweep failed")
				continue
			}
			if swept > 0 {
				logger.Log.Info().Int("count", swept).Msg("swept timed-out jobs")
			}
		}
	}
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWS.Region),
	}
	if cfg.AWS.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, ""),
		))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

func resolveParameter(ctx context.Context, client *ssm.Client, name string) (string, error) {
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{Name: &name})
	if err != nil {
		return "", err
	}
	return *out.Parameter.Value, nil
}

func effectiveS3Endpoint(cfg *config.Config) string {
	if cfg.S3Endpoint != "" {
		return cfg.S3Endpoint
	}
	return "s3." + cfg.AWS.Region + ".amazonaws.com"
}

func toAdmissionLimits(roleLimits map[model.Role]config.RoleLimits) map[model.Role]admission.Limits {
	out := make(map[model.Role]admission.Limits, len(roleLimits))
	for role, l := range roleLimits {
		out[role] = admission.Limits{MaxConcurrentJobs: l.MaxConcurrentJobs, MaxJobBytes: l.MaxJobBytes}
	}
	return out
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
