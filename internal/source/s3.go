package source

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// s3API is the part of the S3 client used here; *s3.S3 satisfies it.
type s3API interface {
	ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error
	GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
}

// S3 lists every object under a bucket prefix (S3 has no directories, so the
// listing is recursive by construction).
type S3 struct {
	root    string
	bucket  string
	prefix  string
	pattern string
	client  s3API
}

// NewS3 returns a source for an s3://bucket/prefix root using the default AWS
// credential chain.
func NewS3(root string, opts Options) (*S3, error) {
	bucket, prefix, err := ParseS3URL(root)
	if err != nil {
		return nil, unavailable(root, err)
	}
	sess, err := session.NewSession(&aws.Config{Region: aws.String(opts.Region)})
	if err != nil {
		return nil, unavailable(root, err)
	}
	return &S3{
		root:    root,
		bucket:  bucket,
		prefix:  prefix,
		pattern: opts.pattern(),
		client:  s3.New(sess),
	}, nil
}

// ParseS3URL splits s3://bucket/prefix into bucket and prefix.
func ParseS3URL(u string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(u, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %q", u)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 url has no bucket: %q", u)
	}
	return bucket, prefix, nil
}

// Root implements Source.
func (s *S3) Root() string { return s.root }

// Discover implements Source.
func (s *S3) Discover(ctx context.Context) ([]Partition, error) {
	var out []Partition
	var matchErr error

	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	}
	err := s.client.ListObjectsV2PagesWithContext(ctx, in, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			key := aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			ok, err := path.Match(s.pattern, path.Base(key))
			if err != nil {
				matchErr = err
				return false
			}
			if ok {
				out = append(out, Partition{Name: key, Size: aws.Int64Value(obj.Size)})
			}
		}
		return true
	})
	if err == nil {
		err = matchErr
	}
	if err != nil {
		return nil, unavailable(s.root, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Open implements Source.
func (s *S3) Open(ctx context.Context, p Partition) (io.ReadCloser, error) {
	obj, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(p.Name),
	})
	if err != nil {
		return nil, unavailable("s3://"+s.bucket+"/"+p.Name, err)
	}
	return obj.Body, nil
}
