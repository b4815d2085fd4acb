package aws

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"hpc-orchestrator/core/backends"
	"hpc-orchestrator/core/models"
)

// Files implements backends.Backend. Paths map to keys of the bucket.
// A PutObject replaces an object atomically, so writes need no temp key.
func (c *Client) Files(res models.ResourceHandle) (backends.FileSystem, error) {
	return &fileSystem{c: c, res: res}, nil
}

type fileSystem struct {
	c   *Client
	res models.ResourceHandle
}

func (f *fileSystem) List(ctx context.Context, dir string) ([]backends.FileInfo, error) {
	prefix := strings.TrimSuffix(key(dir), "/") + "/"
	p := s3.NewListObjectsV2Paginator(f.c.s3, &s3.ListObjectsV2Input{
		Bucket:    aws.String(f.c.cfg.Bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var infos []backends.FileInfo
	found := false
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, f.c.wrapAPI("List", f.res, dir, err)
		}
		for _, obj := range page.Contents {
			found = true
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if name == "" || name == dirMarker {
				continue
			}
			infos = append(infos, backends.FileInfo{
				Name:    name,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
		for _, cp := range page.CommonPrefixes {
			found = true
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
			infos = append(infos, backends.FileInfo{Name: name, IsDir: true})
		}
	}
	if !found {
		return nil, f.c.wrap("List", f.res, dir, backends.ErrNotExist)
	}
	return infos, nil
}

func (f *fileSystem) Stat(ctx context.Context, p string) (backends.FileInfo, error) {
	out, err := f.c.s3.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(f.c.cfg.Bucket), Key: aws.String(key(p))})
	if err == nil {
		return backends.FileInfo{
			Name:    path.Base(p),
			Size:    aws.ToInt64(out.ContentLength),
			ModTime: aws.ToTime(out.LastModified),
		}, nil
	}
	err = f.c.wrapAPI("Stat", f.res, p, err)
	if !backends.IsNotExist(err) {
		return backends.FileInfo{}, err
	}
	// Prefixes only exist through their objects
	if _, listErr := f.List(ctx, p); listErr == nil {
		return backends.FileInfo{Name: path.Base(p), IsDir: true}, nil
	}
	return backends.FileInfo{}, err
}

func (f *fileSystem) Read(ctx context.Context, p string) ([]byte, error) {
	return f.c.getObject(ctx, "Read", f.res, p)
}

func (f *fileSystem) Write(ctx context.Context, p string, data []byte) error {
	return f.c.putObject(ctx, "Write", f.res, p, data)
}

func (f *fileSystem) Mkdir(ctx context.Context, p string) error {
	return f.c.putObject(ctx, "Mkdir", f.res, path.Join(p, dirMarker), nil)
}

func (c *Client) getObject(ctx context.Context, op string, res models.ResourceHandle, p string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(c.cfg.Bucket), Key: aws.String(key(p))})
	if err != nil {
		return nil, c.wrapAPI(op, res, p, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, c.wrap(op, res, p, fmt.Errorf("%w: %v", backends.ErrUnavailable, err))
	}
	return data, nil
}

func (c *Client) putObject(ctx context.Context, op string, res models.ResourceHandle, p string, data []byte) error {
	size := int64(len(data))
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.cfg.Bucket),
		Key:           aws.String(key(p)),
		Body:          bytes.NewReader(data),
		ContentLength: &size,
	})
	if err != nil {
		return c.wrapAPI(op, res, p, err)
	}
	return nil
}

func (c *Client) wrap(op string, res models.ResourceHandle, p string, err error) error {
	return &backends.BackendError{Op: op, Backend: models.BackendEC2, Cluster: res.Cluster, Path: p, Err: err}
}

// wrapAPI maps SDK errors onto backend sentinels
func (c *Client) wrapAPI(op string, res models.ResourceHandle, p string, err error) error {
	return c.wrap(op, res, p, classify(err))
}

func classify(err error) error {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return fmt.Errorf("%w: %v", backends.ErrNotExist, err)
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", backends.ErrUnavailable, err)
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %v", backends.ErrNotExist, err)
	case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
		return fmt.Errorf("%w: %v", backends.ErrJobNotFound, err)
	case "AccessDenied", "Forbidden", "UnauthorizedOperation", "AuthFailure":
		return fmt.Errorf("%w: %v", backends.ErrAccessDenied, err)
	case "SlowDown", "Throttling", "RequestLimitExceeded", "ServiceUnavailable", "InternalError", "Unavailable":
		return fmt.Errorf("%w: %v", backends.ErrUnavailable, err)
	}
	return err
}
