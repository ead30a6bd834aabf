// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements wrapping functions to satisfy ObjectUploadDownloaderAt
// interface. It uses aws api v1.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

const (
	// Format string for the object key. We rely on the continuous space of
	// keys for prefix consistency as well as in the GC process.
	//
	// The key is split into halves, the lower half of bits is the s3 prefix
	// and the upper half the object name. S3 rate limits objects with the
	// same prefix.
	keyFmt = "%08x/%08x"

	// Upper bound for waiting until a freshly created bucket is visible.
	bucketWait = 30 * time.Second
)

// Implementation of ObjectUploadDownloaderAt using AWS S3 as a backend.
// Parameters of http connection are tuned for the AWS environment.
type S3 struct {
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
	client     *s3.S3
	bucket     string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added http2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) (*http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	return &http.Client{Transport: tr}, nil
}

// New connects to the endpoint and makes sure the bucket exists.
func New(ctx context.Context, o Options) (*S3, error) {
	httpClient, err := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:                      aws.String(o.Remote),
		Region:                        aws.String(o.Region),
		Credentials:                   credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle:              aws.Bool(true),
		S3DisableContentMD5Validation: aws.Bool(true),
		HTTPClient:                    httpClient,
	})
	if err != nil {
		return nil, err
	}

	s := &S3{
		bucket:     o.Bucket,
		client:     s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		downloader: s3manager.NewDownloader(sess),
	}

	// Objects are small, multipart transfers do not help. The checkpoint
	// is the only large object and it is transferred once per open and
	// close.
	s.uploader.Concurrency = 1
	s3manager.WithUploaderRequestOptions(request.Option(func(r *request.Request) {
		r.HTTPRequest.Header.Add("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}))(s.uploader)
	s.downloader.Concurrency = 1

	if err := s.makeBucketExist(ctx); err != nil {
		return nil, fmt.Errorf("bucket %s: %w", o.Bucket, err)
	}

	return s, nil
}

// Upload function implemented through s3 api.
func (s *S3) Upload(key int64, buf []byte) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(key)),
		Body:   bytes.NewReader(buf),
	})

	return err
}

// GetObjectSize function implemented through s3 api.
func (s *S3) GetObjectSize(key int64) (int64, error) {
	head, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(key)),
	})
	if err != nil {
		return 0, err
	}

	return aws.Int64Value(head.ContentLength), nil
}

// DownloadAt function implemented through s3 api with a ranged get.
func (s *S3) DownloadAt(key int64, buf []byte, offset int64) error {
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1)

	_, err := s.downloader.Download(aws.NewWriteAtBuffer(buf), &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(key)),
		Range:  aws.String(rng),
	})

	return err
}

// Delete function implemented through s3 api.
func (s *S3) Delete(key int64) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(encode(key)),
	})

	return err
}

// Check whether bucket exists and if not, create it and wait until it
// appears.
func (s *S3) makeBucketExist(ctx context.Context) error {
	head := &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}

	if _, err := s.client.HeadBucketWithContext(ctx, head); err == nil {
		return nil
	}

	_, err := s.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = bucketWait

	return backoff.Retry(func() error {
		_, err := s.client.HeadBucketWithContext(ctx, head)
		return err
	}, backoff.WithContext(b, ctx))
}

// Delete object with key and all objects with higher keys.
func (s *S3) DeleteKeyAndSuccessors(fromKey int64) error {
	var deleteErr error

	err := s.client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			key, ok := decode(aws.StringValue(o.Key))
			if !ok || key < fromKey {
				continue
			}

			if err := s.Delete(key); err != nil {
				log.Info().Err(err).Int64("key", key).Send()
				deleteErr = err
			}
		}
		return true
	})

	if err != nil {
		return err
	}

	return deleteErr
}

// We split the key into halves and use the lower half of bits as s3 prefix and
// upper half for the object key. This is to prevent s3 rate limiting which is
// applied to objects with the same prefix.
func encode(key int64) string {
	left := (key >> 32) & 0xffffffff
	right := key & 0xffffffff

	return fmt.Sprintf(keyFmt, right, left)
}

// The inverse to encode(). Objects not created by encode() are reported as
// not ok.
func decode(keyWithPrefix string) (int64, bool) {
	var prefix, key int64
	if n, err := fmt.Sscanf(keyWithPrefix, keyFmt, &prefix, &key); err != nil || n != 2 {
		return 0, false
	}

	return (key << 32) + prefix, true
}
