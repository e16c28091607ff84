package storage

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3Settings beschreibt einen S3-kompatiblen Endpunkt.
type S3Settings struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3API ist die Teilmenge des S3-Clients, die Archiv und Backup brauchen.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewS3Client erstellt einen S3-Client für einen S3-kompatiblen Anbieter mit festem Endpunkt.
func NewS3Client(ctx context.Context, s S3Settings) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               s.Endpoint,
				SigningRegion:     s.Region,
				HostnameImmutable: true,
			}, nil
		},
	)
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(s.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(s.AccessKey, s.SecretKey, "")),
		awsconfig.WithEndpointResolverWithOptions(resolver),
	)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg), nil
}

// UploadFile lädt Daten unter key in den Bucket hoch.
func UploadFile(ctx context.Context, client S3API, bucket, key string, data []byte) error {
	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// RotateObjects behält unter prefix die keep neuesten Objekte und löscht den Rest.
func RotateObjects(ctx context.Context, client S3API, bucket, prefix string, keep int, logger *zap.Logger) (int, error) {
	var objects []types.Object
	var token *string
	for {
		out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return 0, err
		}
		objects = append(objects, out.Contents...)
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}

	if len(objects) <= keep {
		logger.Info("Keine Rotation nötig", zap.Int("objects", len(objects)), zap.Int("keep", keep))
		return 0, nil
	}

	sort.Slice(objects, func(i, j int) bool {
		return aws.ToTime(objects[i].LastModified).After(aws.ToTime(objects[j].LastModified))
	})

	deleted := 0
	for _, obj := range objects[keep:] {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    obj.Key,
		}); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", aws.ToString(obj.Key), err)
		}
		logger.Info("Altes Objekt gelöscht", zap.String("key", aws.ToString(obj.Key)))
		deleted++
	}
	return deleted, nil
}

// Archive legt rohe Snapshots gzip-komprimiert ab, adressiert über Quelle und Content-Hash.
type Archive struct {
	Client S3API
	Bucket string
	Logger *zap.Logger
}

// NewArchive erstellt ein Snapshot-Archiv.
func NewArchive(client S3API, bucket string, logger *zap.Logger) *Archive {
	return &Archive{Client: client, Bucket: bucket, Logger: logger}
}

// SnapshotKey liefert den Objekt-Key eines Snapshots.
func SnapshotKey(sourceID, contentHash string) string {
	return fmt.Sprintf("snapshots/%s/%s.gz", strings.ReplaceAll(sourceID, "/", "_"), contentHash)
}

// StoreSnapshot archiviert einen Snapshot. Existiert er bereits (gleicher Hash), wird nichts hochgeladen.
func (a *Archive) StoreSnapshot(ctx context.Context, sourceID, contentHash string, body []byte) (string, error) {
	key := SnapshotKey(sourceID, contentHash)
	if _, err := a.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.Bucket),
		Key:    aws.String(key),
	}); err == nil {
		return key, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(body); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	if err := UploadFile(ctx, a.Client, a.Bucket, key, buf.Bytes()); err != nil {
		return "", fmt.Errorf("archive snapshot: %w", err)
	}
	a.Logger.Debug("Snapshot archiviert", zap.String("source", sourceID), zap.String("key", key), zap.Int("bytes", buf.Len()))
	return key, nil
}
