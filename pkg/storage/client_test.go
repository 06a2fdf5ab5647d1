package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeS3 struct {
	objects map[string][]byte
	times   map[string]time.Time
	pages   int
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.pages++
	var contents []types.Object
	for k, v := range f.objects {
		contents = append(contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(v))),
			LastModified: aws.Time(f.times[k]),
		})
	}
	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: aws.Bool(false)}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func newFake() *fakeS3 {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &fakeS3{
		objects: map[string][]byte{
			"releases/scsi2sd-4.0.zip":    []byte("old"),
			"releases/scsi2sd-4.2.tar.gz": []byte("new"),
			"releases/README.md":          []byte("docs"),
		},
		times: map[string]time.Time{
			"releases/scsi2sd-4.0.zip":    base,
			"releases/scsi2sd-4.2.tar.gz": base.Add(24 * time.Hour),
			"releases/README.md":          base.Add(48 * time.Hour),
		},
	}
}

func TestReleases(t *testing.T) {
	c := NewClientWithAPI(newFake(), "bucket", "releases/")

	releases, err := c.Releases(context.Background())
	if err != nil {
		t.Fatalf("Releases failed: %v", err)
	}
	if len(releases) != 2 {
		t.Fatalf("expected 2 archives, got %d: %+v", len(releases), releases)
	}
	if releases[0].Name() != "scsi2sd-4.2.tar.gz" {
		t.Errorf("newest release should be first, got %s", releases[0].Name())
	}
}

func TestDownload(t *testing.T) {
	c := NewClientWithAPI(newFake(), "bucket", "")
	dst := filepath.Join(t.TempDir(), "fw.zip")

	res, err := c.Download(context.Background(), "releases/scsi2sd-4.0.zip", dst)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if res.Size != 3 {
		t.Errorf("size = %d", res.Size)
	}
	sum := sha256.Sum256([]byte("old"))
	if res.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("unexpected checksum %s", res.SHA256)
	}
	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "old" {
		t.Errorf("downloaded content = %q, %v", data, err)
	}

	if _, err := c.Download(context.Background(), "missing.zip", filepath.Join(t.TempDir(), "x")); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestExists(t *testing.T) {
	c := NewClientWithAPI(newFake(), "bucket", "")

	tests := []struct {
		key  string
		want bool
	}{
		{"releases/scsi2sd-4.0.zip", true},
		{"releases/nope.zip", false},
	}
	for _, tt := range tests {
		got, err := c.Exists(context.Background(), tt.key)
		if err != nil {
			t.Fatalf("Exists(%s) failed: %v", tt.key, err)
		}
		if got != tt.want {
			t.Errorf("Exists(%s) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestIsArchive(t *testing.T) {
	for key, want := range map[string]bool{
		"a.zip": true, "a.TAR.GZ": true, "a.tgz": true, "a.tar": true,
		"a.cyacd": false, "README": false,
	} {
		if got := IsArchive(key); got != want {
			t.Errorf("IsArchive(%q) = %v, want %v", key, got, want)
		}
	}
}
