package iotransport

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the connection settings for an S3-compatible cold-path chunk store (e.g. a
// minio deployment sitting behind the manager).
type S3Config struct {
	// HostEndpointURL overrides the default AWS endpoint resolution, e.g. "http://127.0.0.1:9000".
	HostEndpointURL string
	Region          string
	AccessKey       string
	SecretKey       string
	Bucket          string
}

// Connect builds an s3.Client against cfg's endpoint using a static credentials provider rather
// than the default chain, matching how a minio-backed deployment is configured.
func Connect(cfg S3Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.HostEndpointURL)
		o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	})
}

// NewS3Backend connects to cfg's endpoint and returns a ready-to-wire S3Backend.
func NewS3Backend(cfg S3Config, pageSize int64) *S3Backend {
	return &S3Backend{Client: Connect(cfg), Bucket: cfg.Bucket, PageSize: pageSize}
}

// S3Backend implements FetchBegin/FetchComplete/WriteBegin/WriteComplete against an S3-compatible
// object store. Fetches read pages as byte ranges of one object per handle; WriteBegin stores
// each written region as a separate object keyed "<handle>/<offset>-<size>", which fetches do
// not read back. It is a concrete,
// ready-to-wire transport for the pluggable fetch/commit seam; production deployments typically
// instead route through the manager's own RPC (see manager.Client), but object-store-backed
// mounts use this directly.
type S3Backend struct {
	Client   *s3.Client
	Bucket   string
	PageSize int64
}

type s3FetchToken struct {
	pages []int64
	n     []int
	errs  []error
}

// FetchBegin issues one GetObject per requested page (S3 has no native multi-range batch get)
// and copies each response body directly into the matching entry of buffers, the way the real
// transport scatters an RPC reply into pre-allocated frame memory. The calls happen
// synchronously here and FetchComplete merely repackages the results, keeping the begin/complete
// split the fetch/writeback path expects even though this transport has no async handle.
func (b *S3Backend) FetchBegin(ctx context.Context, handle []byte, pages []int64, buffers [][]byte) (any, error) {
	tok := &s3FetchToken{pages: pages, n: make([]int, len(pages)), errs: make([]error, len(pages))}
	key := objectKey(handle)
	for i, page := range pages {
		start := page * b.PageSize
		end := start + b.PageSize - 1
		out, err := b.Client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.Bucket),
			Key:    aws.String(key),
			Range:  aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
		})
		if err != nil {
			tok.errs[i] = err
			continue
		}
		n, err := io.ReadFull(out.Body, buffers[i])
		out.Body.Close()
		if err != nil && err != io.ErrUnexpectedEOF {
			tok.errs[i] = err
			continue
		}
		tok.n[i] = n
	}
	return tok, nil
}

// FetchComplete returns bytes-read-or-negative-errno per page, matching FetchCompleteFunc's
// contract.
func (b *S3Backend) FetchComplete(_ context.Context, token any) ([]int, error) {
	tok := token.(*s3FetchToken)
	results := make([]int, len(tok.pages))
	for i := range tok.pages {
		if tok.errs[i] != nil {
			results[i] = -5 // EIO
			continue
		}
		results[i] = tok.n[i]
	}
	return results, nil
}

type s3WriteToken struct {
	buffers [][]byte
	errs    []error
}

// WriteBegin issues one PutObject per flattened region, keyed by handle and byte offset.
func (b *S3Backend) WriteBegin(ctx context.Context, handle []byte, offsets, sizes []int64, buffers [][]byte) (any, error) {
	tok := &s3WriteToken{buffers: buffers, errs: make([]error, len(buffers))}
	baseKey := objectKey(handle)
	for i, buf := range buffers {
		key := fmt.Sprintf("%s/%d-%d", baseKey, offsets[i], sizes[i])
		_, err := b.Client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(b.Bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(buf),
		})
		tok.errs[i] = err
	}
	return tok, nil
}

// WriteComplete returns bytes-written-or-negative-errno per region.
func (b *S3Backend) WriteComplete(_ context.Context, token any) ([]int, error) {
	tok := token.(*s3WriteToken)
	results := make([]int, len(tok.buffers))
	for i := range tok.buffers {
		if tok.errs[i] != nil {
			results[i] = -5 // EIO
			continue
		}
		results[i] = len(tok.buffers[i])
	}
	return results, nil
}

func objectKey(handle []byte) string {
	return fmt.Sprintf("%x", handle)
}
