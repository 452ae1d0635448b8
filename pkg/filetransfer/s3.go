package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultAWSRegion applies to AWS S3 when nothing else sets a region
const DefaultAWSRegion = "us-east-1"

var (
	s3BucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)
	s3KeyPattern    = regexp.MustCompile(`^[0-9a-zA-Z!\-_.*'()]+(?:/[0-9a-zA-Z!\-_.*'()]+)*$`)
)

// S3Config configures the S3 transfer. Credentials fall back to the AWS SDK
// default chain.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"` // S3 compatible stores
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	// StrictValidation rejects keys outside the safe S3 character set
	StrictValidation bool `mapstructure:"strict_validation"`
}

// s3API is the part of the S3 client the transfer uses
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3 transfers objects addressed as s3://bucket/key (s3n:// is accepted)
type S3 struct {
	client s3API
	strict bool
}

// NewS3 creates an S3 transfer from cfg
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	if (cfg.AccessKeyID == "") != (cfg.SecretAccessKey == "") {
		return nil, errors.New("s3: access_key_id and secret_access_key must be set together")
	}
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &Error{Op: "new", Scheme: "s3", Err: err}
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3{client: client, strict: cfg.StrictValidation}, nil
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

// Schemes implements Transfer
func (t *S3) Schemes() []string { return []string{"s3", "s3n"} }

// ParseS3URI splits an s3 URI into bucket and key
func ParseS3URI(uri string, strict bool) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		rest, ok = strings.CutPrefix(uri, "s3n://")
	}
	if !ok {
		return "", "", fmt.Errorf("%w: %s is not an s3 uri", ErrInvalidURI, uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s needs a bucket and a key", ErrInvalidURI, uri)
	}
	if !s3BucketPattern.MatchString(bucket) {
		return "", "", fmt.Errorf("%w: bad bucket name %q", ErrInvalidURI, bucket)
	}
	if strict && !s3KeyPattern.MatchString(key) {
		return "", "", fmt.Errorf("%w: key %q fails strict validation", ErrInvalidURI, key)
	}
	return bucket, key, nil
}

// Validate implements Transfer
func (t *S3) Validate(uri string) error {
	_, _, err := ParseS3URI(uri, t.strict)
	return wrap("validate", Scheme(uri), uri, err)
}

// Get implements Transfer
func (t *S3) Get(ctx context.Context, uri, dst string) error {
	bucket, key, err := ParseS3URI(uri, t.strict)
	if err != nil {
		return wrap("get", Scheme(uri), uri, err)
	}
	out, err := t.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return wrap("get", Scheme(uri), uri, translateS3Error(err))
	}
	defer out.Body.Close()

	err = writeAtomically(dst, func(f *os.File) error {
		_, err := io.Copy(f, out.Body)
		return err
	})
	return wrap("get", Scheme(uri), uri, err)
}

// Put implements Transfer
func (t *S3) Put(ctx context.Context, src, uri string) error {
	bucket, key, err := ParseS3URI(uri, t.strict)
	if err != nil {
		return wrap("put", Scheme(uri), uri, err)
	}
	f, err := os.Open(src)
	if err != nil {
		return wrap("put", Scheme(uri), uri, translateOSError(err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return wrap("put", Scheme(uri), uri, err)
	}

	_, err = t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	return wrap("put", Scheme(uri), uri, translateS3Error(err))
}

// LastModified implements Transfer
func (t *S3) LastModified(ctx context.Context, uri string) (time.Time, error) {
	bucket, key, err := ParseS3URI(uri, t.strict)
	if err != nil {
		return time.Time{}, wrap("stat", Scheme(uri), uri, err)
	}
	out, err := t.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return time.Time{}, wrap("stat", Scheme(uri), uri, translateS3Error(err))
	}
	return aws.ToTime(out.LastModified), nil
}

// translateS3Error maps SDK errors onto the package sentinels
func translateS3Error(err error) error {
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) || errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %v", ErrAccessDenied, err)
		case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError":
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}
