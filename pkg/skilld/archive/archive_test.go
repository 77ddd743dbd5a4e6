package archive_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/nais/skilld/pkg/skilld/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, params)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func untar(t *testing.T, data []byte) map[string]string {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := make(map[string]string)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		files[hdr.Name] = string(content)
	}
	return files
}

func backupDir(t *testing.T) string {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "files", "foo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "files", "foo", "SKILL.md"), []byte("foo"), 0o644))
	return dir
}

func TestArchive(t *testing.T) {
	client := &fakeS3{}
	archiver := archive.NewWithClient(client, archive.Config{Bucket: "backups", Prefix: "skilld"})

	require.NoError(t, archiver.Archive(context.Background(), "abc", backupDir(t)))

	require.Len(t, client.inputs, 1)
	assert.Equal(t, "backups", aws.ToString(client.inputs[0].Bucket))
	assert.Equal(t, "skilld/abc.tar.gz", aws.ToString(client.inputs[0].Key))
	assert.Equal(t, "application/gzip", aws.ToString(client.inputs[0].ContentType))

	assert.Equal(t, map[string]string{
		"manifest.json":      "{}",
		"files/foo/SKILL.md": "foo",
	}, untar(t, client.bodies[0]))
}

func TestArchiveError(t *testing.T) {
	client := &fakeS3{err: errors.New("access denied")}
	archiver := archive.NewWithClient(client, archive.Config{Bucket: "backups"})

	err := archiver.Archive(context.Background(), "abc", backupDir(t))
	assert.ErrorContains(t, err, "access denied")
	assert.Equal(t, "abc.tar.gz", archiver.Key("abc"))
}

func TestTarballIsReproducible(t *testing.T) {
	dir := backupDir(t)
	first, err := archive.Tarball(dir)
	require.NoError(t, err)
	second, err := archive.Tarball(dir)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
