/*
Package snapshotarchive periodically backs up an account's journal events
and commitment-tree snapshots to S3-compatible object storage, so a
coordinator database loss does not strand every device without recourse.
Adapted from the teacher's attachment storage service: the bucket/client
bootstrap and pre-signed URL issuance are unchanged in shape, retargeted
from user-uploaded files to archived account state blobs.
*/
package snapshotarchive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hxrts/aura/internal/ids"
	"github.com/hxrts/aura/internal/journal"
)

// Archive writes account journal/tree snapshots to an S3-compatible bucket.
type Archive struct {
	client       *minio.Client
	bucketName   string
	bucketRegion string
}

// NewArchive builds an Archive from S3_* environment variables, defaulting
// to a local MinIO instance for development.
func NewArchive(ctx context.Context) (*Archive, error) {
	endpoint := os.Getenv("S3_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	accessKey := os.Getenv("S3_ACCESS_KEY")
	if accessKey == "" {
		accessKey = "minioadmin"
	}
	secretKey := os.Getenv("S3_SECRET_KEY")
	if secretKey == "" {
		secretKey = "minioadmin"
	}
	bucketName := os.Getenv("S3_BUCKET")
	if bucketName == "" {
		bucketName = "aura-snapshots"
	}
	bucketRegion := os.Getenv("S3_REGION")
	if bucketRegion == "" {
		bucketRegion = "us-east-1"
	}
	useSSL := os.Getenv("S3_USE_SSL") == "true"

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("snapshotarchive: create s3 client: %w", err)
	}

	a := &Archive{client: client, bucketName: bucketName, bucketRegion: bucketRegion}
	if err := a.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("snapshotarchive: ensure bucket: %w", err)
	}
	return a, nil
}

func (a *Archive) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucketName)
	if err != nil {
		return err
	}
	if !exists {
		if err := a.client.MakeBucket(ctx, a.bucketName, minio.MakeBucketOptions{Region: a.bucketRegion}); err != nil {
			return err
		}
	}
	return nil
}

func journalKey(account ids.AccountID, atEpoch ids.Epoch) string {
	return fmt.Sprintf("journal/%s/%d.json", account.String(), uint64(atEpoch))
}

func treeKey(account ids.AccountID, atEpoch ids.Epoch) string {
	return fmt.Sprintf("tree/%s/%d.json", account.String(), uint64(atEpoch))
}

// ArchiveJournal serializes events and uploads them under the account's
// journal prefix, keyed by the epoch the snapshot was taken at.
func (a *Archive) ArchiveJournal(ctx context.Context, account ids.AccountID, atEpoch ids.Epoch, events []journal.AccountEvent) error {
	data, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("snapshotarchive: marshal journal: %w", err)
	}
	key := journalKey(account, atEpoch)
	_, err = a.client.PutObject(ctx, a.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("snapshotarchive: upload journal snapshot: %w", err)
	}
	return nil
}

// TreeSnapshotBlob is the serializable form of a committree snapshot,
// opaque here since only the archive/restore round trip matters to this
// package; internal/committree.Tree owns the meaning of the bytes.
type TreeSnapshotBlob struct {
	AccountID ids.AccountID
	Epoch     ids.Epoch
	Data      json.RawMessage
}

// ArchiveTree uploads a serialized commitment-tree snapshot.
func (a *Archive) ArchiveTree(ctx context.Context, blob TreeSnapshotBlob) error {
	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("snapshotarchive: marshal tree snapshot: %w", err)
	}
	key := treeKey(blob.AccountID, blob.Epoch)
	_, err = a.client.PutObject(ctx, a.bucketName, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("snapshotarchive: upload tree snapshot: %w", err)
	}
	return nil
}

// FetchJournal downloads and deserializes a previously archived journal snapshot.
func (a *Archive) FetchJournal(ctx context.Context, account ids.AccountID, atEpoch ids.Epoch) ([]journal.AccountEvent, error) {
	obj, err := a.client.GetObject(ctx, a.bucketName, journalKey(account, atEpoch), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("snapshotarchive: fetch journal snapshot: %w", err)
	}
	defer obj.Close()

	var events []journal.AccountEvent
	if err := json.NewDecoder(obj).Decode(&events); err != nil {
		return nil, fmt.Errorf("snapshotarchive: decode journal snapshot: %w", err)
	}
	return events, nil
}

// PresignRestoreURL issues a short-lived pre-signed GET URL for a device
// performing disaster recovery to download a tree snapshot directly.
func (a *Archive) PresignRestoreURL(ctx context.Context, account ids.AccountID, atEpoch ids.Epoch) (string, time.Time, error) {
	expiry := 15 * time.Minute
	url, err := a.client.PresignedGetObject(ctx, a.bucketName, treeKey(account, atEpoch), expiry, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("snapshotarchive: presign: %w", err)
	}
	return url.String(), time.Now().Add(expiry), nil
}
