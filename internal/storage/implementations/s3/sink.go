package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/internal/storage/table"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// S3Config holds configuration for the S3 artifact sink
type S3Config struct {
	Region          string        `json:"region" mapstructure:"region"`
	Bucket          string        `json:"bucket" mapstructure:"bucket"`
	AccessKeyID     string        `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string        `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string        `json:"session_token,omitempty" mapstructure:"session_token"`
	Endpoint        string        `json:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool          `json:"force_path_style" mapstructure:"force_path_style"`
	DisableSSL      bool          `json:"disable_ssl" mapstructure:"disable_ssl"`
	Prefix          string        `json:"prefix" mapstructure:"prefix"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries      int           `json:"max_retries" mapstructure:"max_retries"`
	PartSize        int64         `json:"part_size" mapstructure:"part_size"`
	UseCompression  bool          `json:"use_compression" mapstructure:"use_compression"`
	StorageClass    string        `json:"storage_class" mapstructure:"storage_class"`
}

// S3Sink uploads the metric tables and learning-rate history under
// <prefix>/<run id>/ after every round.
type S3Sink struct {
	config   *S3Config
	uploader s3manageriface.UploaderAPI
	logger   *logrus.Logger
	mu       sync.Mutex
	valAcc   *table.Table
	testAcc  *table.Table
	runID    string
	uploads  int64
	closed   bool
}

// NewS3Sink creates a new S3 sink instance
func NewS3Sink(config *S3Config, logger *logrus.Logger) (*S3Sink, error) {
	if config == nil {
		return nil, errors.NewStorageError("INVALID_CONFIG", "S3 config cannot be nil")
	}

	if config.Bucket == "" {
		return nil, errors.NewStorageError("INVALID_CONFIG", "S3 bucket is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &S3Sink{
		config:  config,
		logger:  logger,
		valAcc:  table.New(constants.ValAccTable),
		testAcc: table.New(constants.TestAccTable),
	}, nil
}

// Name returns the sink type
func (s *S3Sink) Name() string {
	return constants.SinkS3
}

// Connect creates the AWS session and verifies bucket access
func (s *S3Sink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.uploader != nil {
		return nil
	}

	awsConfig := &aws.Config{
		Region:     aws.String(s.config.Region),
		MaxRetries: aws.Int(s.config.MaxRetries),
	}

	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			s.config.AccessKeyID,
			s.config.SecretAccessKey,
			s.config.SessionToken,
		)
	}

	// S3-compatible services such as MinIO
	if s.config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
	}

	if s.config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "SESSION_FAILED", "Failed to create AWS session")
	}

	client := s3.New(sess)
	if _, err := client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	}); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "BUCKET_ACCESS_FAILED",
			fmt.Sprintf("Failed to access bucket '%s'", s.config.Bucket))
	}

	uploader := s3manager.NewUploaderWithClient(client)
	if s.config.PartSize > 0 {
		uploader.PartSize = s.config.PartSize
	}
	s.uploader = uploader
	s.closed = false

	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
	}).Info("Connected to S3")

	return nil
}

// WriteRound appends the round to the metric tables and uploads both
func (s *S3Sink) WriteRound(ctx context.Context, record *interfaces.RoundRecord) error {
	if record == nil {
		return errors.NewValidationError("INVALID_RECORD", "Round record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.uploader == nil {
		return errors.NewStorageError("NOT_CONNECTED", "S3 not connected")
	}

	s.runID = record.RunID
	s.valAcc.Append(record.Round, record.ValAcc)
	s.testAcc.Append(record.Round, record.TestAcc)

	for _, t := range []*table.Table{s.valAcc, s.testAcc} {
		data, err := t.CSV()
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED",
				fmt.Sprintf("Failed to render table %s", t.Name()))
		}
		if err := s.upload(ctx, t.Name()+".csv", "text/csv", data, record.Round); err != nil {
			return err
		}
	}

	return nil
}

// WriteLearningRates uploads the learning-rate history
func (s *S3Sink) WriteLearningRates(ctx context.Context, history map[string][]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.uploader == nil {
		return errors.NewStorageError("NOT_CONNECTED", "S3 not connected")
	}

	data, err := table.LearningRatesJSON(history)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED", "Failed to encode learning rates")
	}

	return s.upload(ctx, constants.LearningRateFile, "application/json", data, s.valAcc.Len()-1)
}

// Close releases the uploader
func (s *S3Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.uploader = nil
	s.closed = true

	s.logger.WithField("uploads", s.uploads).Info("S3 sink closed")
	return nil
}

func (s *S3Sink) upload(ctx context.Context, name, contentType string, data []byte, round int) error {
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	var body io.Reader = bytes.NewReader(data)
	contentEncoding := ""

	if s.config.UseCompression {
		var buf bytes.Buffer
		gzWriter := gzip.NewWriter(&buf)
		if _, err := gzWriter.Write(data); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "COMPRESSION_FAILED", "Failed to compress data")
		}
		if err := gzWriter.Close(); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "COMPRESSION_FAILED", "Failed to compress data")
		}
		body = bytes.NewReader(buf.Bytes())
		contentEncoding = "gzip"
	}

	key := s.generateKey(name)
	input := &s3manager.UploadInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
		Metadata: map[string]*string{
			"run-id": aws.String(s.runID),
			"round":  aws.String(strconv.Itoa(round)),
		},
	}

	if contentEncoding != "" {
		input.ContentEncoding = aws.String(contentEncoding)
	}

	if s.config.StorageClass != "" {
		input.StorageClass = aws.String(s.config.StorageClass)
	}

	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "UPLOAD_FAILED",
			fmt.Sprintf("Failed to upload %s to S3", key))
	}

	s.uploads++
	return nil
}

func (s *S3Sink) generateKey(name string) string {
	return path.Join(s.config.Prefix, s.runID, name)
}
