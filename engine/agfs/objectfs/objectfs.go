// Package objectfs is the S3-like AGFS backend: every node is stored as
// an object keyed by its URI path under a configurable bucket/prefix.
// Grounded on the S3 client pattern in huanghantao-agfs's vectorfs plugin.
package objectfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/LinQiang391/OpenViking/engine/agfs"
	vkuri "github.com/LinQiang391/OpenViking/engine/uri"
)

// Config mirrors s3_client.go's S3Config: static credentials are optional,
// falling back to the default AWS credential chain; Endpoint/PathStyle
// support MinIO/LocalStack-style custom deployments.
type Config struct {
	AccessKey  string
	SecretKey  string
	Bucket     string
	KeyPrefix  string
	Region     string
	Endpoint   string // non-empty selects a custom endpoint (MinIO, LocalStack)
	PathStyle  bool
}

// Backend implements agfs.Backend over S3-compatible object storage.
type Backend struct {
	client    *s3.Client
	bucket    string
	keyPrefix string
}

// New dials an S3-compatible client per cfg.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("objectfs: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.PathStyle
		}
	})

	return &Backend{client: client, bucket: cfg.Bucket, keyPrefix: cfg.KeyPrefix}, nil
}

func (b *Backend) key(u vkuri.URI) string {
	rest := strings.TrimPrefix(string(u), "viking://")
	if b.keyPrefix == "" {
		return rest
	}
	return b.keyPrefix + "/" + rest
}

// dirMarker is the zero-byte object written for a directory so ReadDir
// has something to enumerate even for an empty directory.
func (b *Backend) dirMarkerKey(u vkuri.URI) string { return b.key(u) + "/.dir" }

func (b *Backend) Read(ctx context.Context, u vkuri.URI) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(u)),
	})
	if err != nil {
		return nil, fmt.Errorf("objectfs read %s: %w", u, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("objectfs read %s: %w", u, err)
	}
	return data, nil
}

func (b *Backend) Write(ctx context.Context, u vkuri.URI, data []byte, createOnly bool) error {
	if createOnly {
		if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket), Key: aws.String(b.key(u)),
		}); err == nil {
			return fmt.Errorf("objectfs write %s: already exists", u)
		}
	}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(u)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("objectfs write %s: %w", u, err)
	}
	return nil
}

func (b *Backend) Mkdir(ctx context.Context, u vkuri.URI) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.dirMarkerKey(u)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		return fmt.Errorf("objectfs mkdir %s: %w", u, err)
	}
	return nil
}

func (b *Backend) ReadDir(ctx context.Context, u vkuri.URI) ([]agfs.DirEntry, error) {
	prefix := b.key(u) + "/"
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, fmt.Errorf("objectfs readdir %s: %w", u, err)
	}
	var entries []agfs.DirEntry
	for _, p := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(p.Prefix), prefix), "/")
		if name == "" {
			continue
		}
		entries = append(entries, agfs.DirEntry{Name: name, IsDir: true})
	}
	for _, o := range out.Contents {
		name := strings.TrimPrefix(aws.ToString(o.Key), prefix)
		if name == "" || name == ".dir" || strings.Contains(name, "/") {
			continue
		}
		entries = append(entries, agfs.DirEntry{
			Name:    name,
			IsDir:   false,
			Size:    aws.ToInt64(o.Size),
			ModTime: aws.ToTime(o.LastModified),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (b *Backend) Stat(ctx context.Context, u vkuri.URI) (agfs.Stat, error) {
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket), Key: aws.String(b.key(u)),
	})
	if err == nil {
		return agfs.Stat{Exists: true, Size: aws.ToInt64(head.ContentLength), ModTime: aws.ToTime(head.LastModified)}, nil
	}
	if !isNotFound(err) {
		return agfs.Stat{}, fmt.Errorf("objectfs stat %s: %w", u, err)
	}
	// Maybe a directory: probe the marker.
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket), Key: aws.String(b.dirMarkerKey(u)),
	}); err == nil {
		return agfs.Stat{Exists: true, IsDir: true}, nil
	}
	return agfs.Stat{Exists: false}, nil
}

func (b *Backend) Remove(ctx context.Context, u vkuri.URI) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket), Key: aws.String(b.key(u)),
	})
	if err != nil {
		return fmt.Errorf("objectfs remove %s: %w", u, err)
	}
	return nil
}

func (b *Backend) RemoveAll(ctx context.Context, u vkuri.URI) error {
	prefix := b.key(u)
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket), Prefix: aws.String(prefix),
	})
	if err != nil {
		return fmt.Errorf("objectfs removeall %s: %w", u, err)
	}
	var ids []s3types.ObjectIdentifier
	for _, o := range out.Contents {
		ids = append(ids, s3types.ObjectIdentifier{Key: o.Key})
	}
	if len(ids) == 0 {
		return nil
	}
	_, err = b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.bucket),
		Delete: &s3types.Delete{Objects: ids},
	})
	if err != nil {
		return fmt.Errorf("objectfs removeall %s: %w", u, err)
	}
	return nil
}

// Move is copy-then-delete: object stores have no native rename. Partial
// failure midway leaves some objects copied and the source intact; FS.Move
// converts that into a .pending_cleanup marker.
func (b *Backend) Move(ctx context.Context, src, dst vkuri.URI) error {
	prefix := b.key(src)
	out, err := b.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket), Prefix: aws.String(prefix),
	})
	if err != nil {
		return fmt.Errorf("objectfs move %s->%s: list: %w", src, dst, err)
	}
	dstPrefix := b.key(dst)
	for _, o := range out.Contents {
		srcKey := aws.ToString(o.Key)
		dstKey := dstPrefix + strings.TrimPrefix(srcKey, prefix)
		_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(b.bucket),
			CopySource: aws.String(b.bucket + "/" + srcKey),
			Key:        aws.String(dstKey),
		})
		if err != nil {
			return fmt.Errorf("objectfs move %s->%s: copy %s: %w", src, dst, srcKey, err)
		}
	}
	return b.RemoveAll(ctx, src)
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound"
	}
	return false
}
