// Package objectstore wraps the minio-go client with a buffered idle
// transport and a thin wrapper struct, covering the scheduler's job-input
// and job-result object naming, presigning, and tagging.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"

	"github.com/quantumcloud/qscheduler/internal/apierror"
	"github.com/quantumcloud/qscheduler/internal/tracer"
	"github.com/quantumcloud/qscheduler/internal/util"
)

const (
	// UploadURLExpiry is how long a job-result presigned PUT stays valid,
	// grounded on job_repository.py's UPLOAD_URL_EXPIRATION_TIME.
	UploadURLExpiry = 3 * time.Hour
	// DownloadURLExpiry is how long a job-result presigned GET stays
	// valid, grounded on job_repository.py's DOWNLOAD_URL_EXPIRATION_TIME.
	DownloadURLExpiry = 3 * time.Minute
)

// Config holds S3/MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Gateway wraps the MinIO SDK client for job-input upload and job-result
// download/upload, presigning, and retention tagging.
type Gateway struct {
	client    *minio.Client
	cfg       Config
	transport *http.Transport
}

// New initializes and returns an object-store Gateway.
func New(cfg Config) (*Gateway, error) {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   50,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, apierror.Internal("construct object-store client", err)
	}

	return &Gateway{client: cli, cfg: cfg, transport: transport}, nil
}

// UploadJobInput stores the submitted program bytes under the job's input
// key, tagged by role and save-job policy (job_repository.py's
// upload_job_input).
func (g *Gateway) UploadJobInput(ctx context.Context, jobID string, program []byte, role string, saveJob bool) error {
	ctx, span := tracer.Tracer().Start(ctx, "objectstore/UploadJobInput")
	defer span.End()

	userTags := map[string]string{
		"token_role": role,
		"save_job":   fmt.Sprintf("%t", saveJob),
	}

	err := util.RetryOnce(func() error {
		_, e := g.client.PutObject(ctx, g.cfg.Bucket, util.JobInputKey(jobID),
			bytes.NewReader(program), int64(len(program)),
			minio.PutObjectOptions{
				ContentType: "application/octet-stream",
				UserTags:    userTags,
			})
		return e
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return apierror.Internal("upload job input", err)
	}
	return nil
}

// DownloadJobInput fetches the program bytes for jobID.
func (g *Gateway) DownloadJobInput(ctx context.Context, jobID string) ([]byte, error) {
	ctx, span := tracer.Tracer().Start(ctx, "objectstore/DownloadJobInput")
	defer span.End()

	var data []byte
	err := util.RetryOnce(func() error {
		obj, e := g.client.GetObject(ctx, g.cfg.Bucket, util.JobInputKey(jobID), minio.GetObjectOptions{})
		if e != nil {
			return e
		}
		defer obj.Close()

		d, e := io.ReadAll(obj)
		if e != nil {
			return e
		}
		data = d
		return nil
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, apierror.Internal("download job input", err)
	}
	return data, nil
}

// UploadJobResult stores result bytes directly under the job's result
// key. No scheduler path calls it; workers upload results through the
// presigned PUT URL.
func (g *Gateway) UploadJobResult(ctx context.Context, jobID string, result []byte) error {
	ctx, span := tracer.Tracer().Start(ctx, "objectstore/UploadJobResult")
	defer span.End()

	err := util.RetryOnce(func() error {
		_, e := g.client.PutObject(ctx, g.cfg.Bucket, util.JobResultKey(jobID),
			bytes.NewReader(result), int64(len(result)),
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		return e
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return apierror.Internal("upload job result", err)
	}
	return nil
}

// DownloadJobResult fetches the result bytes for jobID.
func (g *Gateway) DownloadJobResult(ctx context.Context, jobID string) ([]byte, error) {
	ctx, span := tracer.Tracer().Start(ctx, "objectstore/DownloadJobResult")
	defer span.End()

	var data []byte
	err := util.RetryOnce(func() error {
		obj, e := g.client.GetObject(ctx, g.cfg.Bucket, util.JobResultKey(jobID), minio.GetObjectOptions{})
		if e != nil {
			return e
		}
		defer obj.Close()

		d, e := io.ReadAll(obj)
		if e != nil {
			return e
		}
		data = d
		return nil
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, apierror.Internal("download job result", err)
	}
	return data, nil
}

// RemoveJobInput deletes the uploaded program object for jobID. Used to
// clean up after a SubmitJob that uploaded the program but failed before
// the job reached a durable QUEUED state (admission rollback, RPC
// cancellation, queue-full rejection). Best-effort: callers log and
// continue on error rather than fail the caller's own error path.
func (g *Gateway) RemoveJobInput(ctx context.Context, jobID string) error {
	ctx, span := tracer.Tracer().Start(ctx, "objectstore/RemoveJobInput")
	defer span.End()

	err := util.RetryOnce(func() error {
		return g.client.RemoveObject(ctx, g.cfg.Bucket, util.JobInputKey(jobID), minio.RemoveObjectOptions{})
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return apierror.Internal("remove job input", err)
	}
	return nil
}

// PresignUploadURL returns a presigned PUT URL a worker can use to upload
// a job's result without the scheduler proxying the bytes.
func (g *Gateway) PresignUploadURL(ctx context.Context, jobID string) (string, time.Time, error) {
	ctx, span := tracer.Tracer().Start(ctx, "objectstore/PresignUploadURL")
	defer span.End()

	var u *url.URL
	err := util.RetryOnce(func() error {
		uu, e := g.client.PresignedPutObject(ctx, g.cfg.Bucket, util.JobResultKey(jobID), UploadURLExpiry)
		if e != nil {
			return e
		}
		u = uu
		return nil
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return "", time.Time{}, apierror.Internal("presign upload URL", err)
	}
	return u.String(), time.Now().Add(UploadURLExpiry), nil
}

// PresignDownloadURL returns a presigned GET URL a caller can use to
// fetch a completed job's result.
func (g *Gateway) PresignDownloadURL(ctx context.Context, jobID string) (string, time.Time, error) {
	ctx, span := tracer.Tracer().Start(ctx, "objectstore/PresignDownloadURL")
	defer span.End()

	reqParams := make(map[string][]string)
	var u *url.URL
	err := util.RetryOnce(func() error {
		uu, e := g.client.PresignedGetObject(ctx, g.cfg.Bucket, util.JobResultKey(jobID), DownloadURLExpiry, reqParams)
		if e != nil {
			return e
		}
		u = uu
		return nil
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return "", time.Time{}, apierror.Internal("presign download URL", err)
	}
	return u.String(), time.Now().Add(DownloadURLExpiry), nil
}

// TagResult stamps the result object with retention metadata once the
// record-store write for a successful job has committed; the
// "upload-status" tag marks the one-time presigned upload as consumed.
func (g *Gateway) TagResult(ctx context.Context, jobID, role string, saveJob bool) error {
	ctx, span := tracer.Tracer().Start(ctx, "objectstore/TagResult")
	defer span.End()

	tagMap := map[string]string{
		"token_role":    role,
		"save_job":      fmt.Sprintf("%t", saveJob),
		"upload-status": "complete",
	}
	tagSet, err := tags.NewTags(tagMap, false)
	if err != nil {
		util.RecordSpanError(span, err)
		return apierror.Internal("build result object tags", err)
	}

	err = util.RetryOnce(func() error {
		return g.client.PutObjectTagging(ctx, g.cfg.Bucket, util.JobResultKey(jobID), tagSet, minio.PutObjectTaggingOptions{})
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return apierror.Internal("tag job result", err)
	}
	return nil
}

// Close releases pooled idle connections.
func (g *Gateway) Close() {
	g.transport.CloseIdleConnections()
}
