package store

import (
	"context"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	raven "github.com/getsentry/raven-go"

	"github.com/ivlib/docket/util"
)

// An S3 store keeps blobs on AWS S3 or any S3-compatible service (e.g.
// MinIO). Do not change Bucket or Prefix concurrently with calls using the
// structure.
type S3 struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	Bucket   string
	Prefix   string
}

// NewS3 creates a new S3 store. It will use the given bucket and will prepend
// prefix to all keys. This is to allow a bucket to be shared with other
// applications. The authorization method and credentials in the session are
// used for all accesses.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	svc := s3.New(awsSession)
	return &S3{
		Bucket:   bucket,
		Prefix:   prefix,
		svc:      svc,
		uploader: s3manager.NewUploaderWithClient(svc),
	}
}

var _ Store = &S3{}

// Put uploads the content of r under the given key. Uploads are streamed to
// S3 using the multipart interface, so the total size does not need to be
// known in advance. The SHA-256 digest is computed as the stream passes
// through; if expect is given and does not match, the uploaded object is
// removed again and ErrHashMismatch returned.
func (s *S3) Put(ctx context.Context, key, contentType string, r io.Reader, expect []byte) (int64, []byte, error) {
	hw := util.NewHashWriterPlain()
	cr := &countReader{r: io.TeeReader(r, hw)}
	input := &s3manager.UploadInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
		Body:   cr,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	_, err := s.uploader.UploadWithContext(ctx, input)
	if err != nil {
		log.Println("S3 Put:", s.Prefix, key, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Key": key})
		return 0, nil, err
	}
	sum, ok := hw.Check(expect)
	if !ok {
		// remove the bad object. if this delete fails the key is
		// unreferenced and a later sweep will retry it.
		_ = s.Delete(ctx, key)
		return cr.n, sum, ErrHashMismatch
	}
	return cr.n, sum, nil
}

// Open returns a reader for the content of the given key.
func (s *S3) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	}
	output, err := s.svc.GetObjectWithContext(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		log.Println("S3 Open:", s.Prefix, key, err)
		return nil, 0, err
	}
	var size int64
	if output.ContentLength != nil {
		size = *output.ContentLength
	}
	return output.Body, size, nil
}

// Delete removes the given key from the store. The store's Prefix is
// prepended first. It is not an error to delete something that doesn't exist.
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		log.Println("S3 Delete:", s.Prefix, key, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Key": key})
	}
	return err
}

// SignURL returns a presigned GET URL for the given key. The signature is
// computed locally, so the URL remains valid even if this process exits. A
// HEAD request confirms the object exists before signing, since handing out
// a link to a missing object would only fail later, at the worst time.
func (s *S3) SignURL(key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	_, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	req, _ := s.svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	return req.Presign(ttl)
}

// ListPrefix returns the keys in this store that have the given prefix.
// The argument prefix is added to the store's Prefix.
func (s *S3) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	var result []string
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	err := s.svc.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				result = append(result, (*item.Key)[len(s.Prefix):])
			}
			return !lastpage
		})
	if err != nil {
		log.Println("S3 ListPrefix:", s.Prefix, prefix, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix + prefix})
	}
	return result, err
}

// isNotFound reports whether err is an S3 missing key or missing bucket
// response.
func isNotFound(err error) bool {
	if e, ok := err.(awserr.RequestFailure); ok {
		return e.StatusCode() == http.StatusNotFound
	}
	if e, ok := err.(awserr.Error); ok {
		return e.Code() == s3.ErrCodeNoSuchKey
	}
	return false
}

// countReader counts the bytes read through it. The s3manager uploader does
// not report the object size it stored, so we track it ourselves.
type countReader struct {
	r io.Reader
	n int64
}

func (cr *countReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}
