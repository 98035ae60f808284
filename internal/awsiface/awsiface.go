// Package awsiface defines the narrow AWS client interfaces used by the
// optional S3 checkpoint backend.
package awsiface

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client is the subset of *s3.Client the checkpoint.S3Store needs.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time check that the real S3 client satisfies S3Client.
var _ S3Client = (*s3.Client)(nil)
