// Package archive uploads a msgpack-encoded snapshot of each finalized
// Job to an S3-compatible bucket. This is best-effort and never blocks
// or fails the run it archives: a failed upload is logged and dropped,
// matching the teacher's R2 backup service treating archival as
// maintenance rather than a correctness path.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/ohlcv-ingest/internal/domain"
)

// Snapshot is the durable, replayable record of one finalized job.
type Snapshot struct {
	JobID         int64     `msgpack:"job_id"`
	Name          string    `msgpack:"name"`
	Environment   string    `msgpack:"environment"`
	Status        string    `msgpack:"status"`
	StartedAt     time.Time `msgpack:"started_at"`
	EndedAt       time.Time `msgpack:"ended_at"`
	Processed     int       `msgpack:"processed"`
	Inserted      int       `msgpack:"inserted"`
	Updated       int       `msgpack:"updated"`
	Skipped       int       `msgpack:"skipped"`
	Failed        int       `msgpack:"failed"`
	QualityFailed int       `msgpack:"quality_failed"`
	ErrorSummary  string    `msgpack:"error_summary,omitempty"`
	ParamsBlob    []byte    `msgpack:"params_blob,omitempty"`
}

// SnapshotFromJob builds a Snapshot from a finalized domain.Job.
func SnapshotFromJob(j domain.Job) Snapshot {
	s := Snapshot{
		JobID:         j.ID,
		Name:          j.Name,
		Environment:   j.Environment,
		Status:        string(j.Status),
		Processed:     j.Processed,
		Inserted:      j.Inserted,
		Updated:       j.Updated,
		Skipped:       j.Skipped,
		Failed:        j.Failed,
		QualityFailed: j.QualityFailed,
		ParamsBlob:    j.Metadata,
	}
	s.StartedAt = j.StartedAt
	if j.EndedAt != nil {
		s.EndedAt = *j.EndedAt
	}
	if j.ErrorSummary != nil {
		s.ErrorSummary = *j.ErrorSummary
	}
	return s
}

// Config describes the S3-compatible bucket job reports are archived to.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // non-empty for an R2-style S3-compatible endpoint; empty uses AWS S3 defaults
	KeyID    string
	Secret   string
}

// Uploader archives finalized job snapshots. A nil Uploader (zero
// Config.Bucket) disables archival entirely.
type Uploader struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// New constructs an Uploader, or returns (nil, nil) when cfg.Bucket is
// empty so callers can treat archival as optional without a nil check at
// every call site.
func New(ctx context.Context, cfg Config, log zerolog.Logger) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, nil
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.KeyID != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.KeyID, cfg.Secret, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		log:    log.With().Str("component", "archive_uploader").Logger(),
	}, nil
}

// Archive uploads snap as a msgpack blob keyed by job id and timestamp. It
// never returns an error to a caller that treats archival as best-effort;
// call ArchiveStrict if the caller needs the failure.
func (u *Uploader) Archive(ctx context.Context, snap Snapshot) {
	if u == nil {
		return
	}
	if err := u.ArchiveStrict(ctx, snap); err != nil {
		u.log.Warn().Err(err).Int64("job_id", snap.JobID).Msg("job report archival failed, continuing")
	}
}

// ArchiveStrict is Archive's error-returning counterpart, for callers
// (tests, CLI tooling) that want to observe failures.
func (u *Uploader) ArchiveStrict(ctx context.Context, snap Snapshot) error {
	if u == nil {
		return nil
	}

	body, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("archive: encode snapshot: %w", err)
	}

	key := fmt.Sprintf("jobs/%s/%s-%d.msgpack", snap.Environment, snap.EndedAt.UTC().Format("20060102T150405Z"), snap.JobID)

	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("archive: put object %s: %w", key, err)
	}
	return nil
}
