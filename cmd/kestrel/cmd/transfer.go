package cmd

import (
	"context"
	"time"

	"github.com/spf13/pflag"

	"github.com/psantana5/kestrel/pkg/filetransfer"
)

// transferFlags configure the file transfers of exec and download
type transferFlags struct {
	s3          filetransfer.S3Config
	httpTimeout time.Duration
}

func (f *transferFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.s3.Region, "s3-region", "", "S3 region, default from the AWS environment")
	fs.StringVar(&f.s3.Endpoint, "s3-endpoint", "", "endpoint of an S3 compatible store")
	fs.StringVar(&f.s3.Profile, "s3-profile", "", "AWS shared config profile")
	fs.BoolVar(&f.s3.ForcePathStyle, "s3-path-style", false, "use path style S3 addressing")
	fs.BoolVar(&f.s3.StrictValidation, "s3-strict-keys", false, "reject S3 keys outside the safe character set")
	fs.DurationVar(&f.httpTimeout, "http-timeout", 5*time.Minute, "timeout of one HTTP download")
}

func (f *transferFlags) registry(ctx context.Context) (*filetransfer.Registry, error) {
	return filetransfer.NewDefault(ctx, f.s3, f.httpTimeout)
}
