package runlog

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = string(data)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func writeLog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func TestS3ArchiverUploadsUnderDatedKey(t *testing.T) {
	logPath := writeLog(t, "WMAIN-Candidate UID already exists for OBJECTID:1\n")
	putter := &fakePutter{}
	archiver := newS3Archiver(putter, S3Config{Bucket: "gis-logs", Prefix: "/entityuid/"})
	archiver.now = func() time.Time { return time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC) }

	uri, err := archiver.Archive(context.Background(), "run_1", logPath)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	want := "s3://gis-logs/entityuid/2026/03/01/run_1/EntityUid Updates.log"
	if uri != want {
		t.Fatalf("expected %q, got %q", want, uri)
	}
	if aws.ToString(putter.input.Bucket) != "gis-logs" {
		t.Fatalf("unexpected bucket %q", aws.ToString(putter.input.Bucket))
	}
	if putter.input.Metadata["run-id"] != "run_1" {
		t.Fatalf("expected run-id metadata, got %v", putter.input.Metadata)
	}
	if aws.ToInt64(putter.input.ContentLength) != int64(len(putter.body)) {
		t.Fatalf("content length %d does not match body %d", aws.ToInt64(putter.input.ContentLength), len(putter.body))
	}
	if putter.body != "WMAIN-Candidate UID already exists for OBJECTID:1\n" {
		t.Fatalf("unexpected body %q", putter.body)
	}
}

func TestS3ArchiverWithoutPrefix(t *testing.T) {
	archiver := newS3Archiver(&fakePutter{}, S3Config{Bucket: "gis-logs"})
	archiver.now = func() time.Time { return time.Date(2026, 12, 9, 0, 0, 0, 0, time.UTC) }

	if got := archiver.key("run_2", "sync.log"); got != "2026/12/09/run_2/sync.log" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestS3ArchiverReportsUploadFailure(t *testing.T) {
	logPath := writeLog(t, "line\n")
	archiver := newS3Archiver(&fakePutter{err: errors.New("access denied")}, S3Config{Bucket: "gis-logs"})

	if _, err := archiver.Archive(context.Background(), "run_3", logPath); err == nil {
		t.Fatalf("expected upload error")
	}
}

func TestS3ArchiverMissingLog(t *testing.T) {
	archiver := newS3Archiver(&fakePutter{}, S3Config{Bucket: "gis-logs"})
	if _, err := archiver.Archive(context.Background(), "run_4", filepath.Join(t.TempDir(), "absent.log")); err == nil {
		t.Fatalf("expected error for missing log")
	}
}
