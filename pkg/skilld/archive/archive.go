// Package archive mirrors deployment backups to S3 as gzip-compressed tarballs.
package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"
)

const contentType = "application/gzip"

// PutObjectAPI is the part of the S3 client used for uploads.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket string
	Region string
	Prefix string
}

type S3Archiver struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// New loads AWS credentials from the environment and returns an archiver for the bucket.
func New(ctx context.Context, cfg Config) (*S3Archiver, error) {
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return NewWithClient(s3.NewFromConfig(awsCfg), cfg), nil
}

func NewWithClient(client PutObjectAPI, cfg Config) *S3Archiver {
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: prefix,
	}
}

func (a *S3Archiver) Key(deploymentID string) string {
	return a.prefix + deploymentID + ".tar.gz"
}

// Archive uploads the backup directory of a deployment.
func (a *S3Archiver) Archive(ctx context.Context, deploymentID, dir string) error {
	data, err := Tarball(dir)
	if err != nil {
		return err
	}

	key := a.Key(deploymentID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"deployment-id": deploymentID,
		},
	})
	if err != nil {
		return fmt.Errorf("s3 PutObject %q: %w", key, err)
	}

	log.Debugf("Archived backup of deployment %s to s3://%s/%s", deploymentID, a.bucket, key)
	return nil
}

// Tarball returns a gzip-compressed tar archive of every regular file below dir.
// Entries are written in lexical order with a fixed modification time.
func Tarball(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	epoch := time.Unix(0, 0).UTC()

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		hdr := &tar.Header{
			Name:     filepath.ToSlash(rel),
			Size:     int64(len(content)),
			Mode:     int64(info.Mode().Perm()),
			ModTime:  epoch,
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", rel, err)
		}
		if _, err := tw.Write(content); err != nil {
			return fmt.Errorf("writing tar content for %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("closing gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}
