// Package s3store keeps trip claims as JSON objects in an S3 bucket. Every
// write is conditional on the ETag that was read, so two clients racing for the
// same trip cannot both succeed.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"go-tripsync/triplock"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	ErrInvalidConfig = errors.New("invalid s3 store configuration")

	// errConflict marks a conditional write that lost a race.
	errConflict = errors.New("conditional write conflict")
)

// S3Client is the subset of the S3 API the store uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Store implements triplock.Store on S3.
type Store struct {
	client S3Client
	bucket string
	prefix string
}

type record struct {
	TripKey      string    `json:"tripKey"`
	Claimed      bool      `json:"claimed"`
	OwnerID      string    `json:"ownerId,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

func (r *record) claim() *triplock.Claim {
	return &triplock.Claim{
		TripKey:      r.TripKey,
		Claimed:      r.Claimed,
		OwnerID:      r.OwnerID,
		LastActivity: r.LastActivity,
	}
}

// New creates a Store writing objects under prefix (default "trip-locks/").
func New(client S3Client, bucket, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: S3 client is required", ErrInvalidConfig)
	}

	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket name is required", ErrInvalidConfig)
	}

	if prefix == "" {
		prefix = "trip-locks/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &Store{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *Store) UpsertClaim(ctx context.Context, tripKey, ownerID string, at, staleBefore time.Time) (bool, error) {
	var current, etag, err = s.read(ctx, s.objectKey(tripKey))
	if err != nil {
		return false, err
	}

	if current != nil && current.claim().IsValid(staleBefore) && current.OwnerID != ownerID {
		return false, nil
	}

	err = s.write(ctx, &record{TripKey: tripKey, Claimed: true, OwnerID: ownerID, LastActivity: at}, etag)
	if errors.Is(err, errConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

func (s *Store) ClearClaim(ctx context.Context, tripKey, ownerID string) (int64, error) {
	var current, etag, err = s.read(ctx, s.objectKey(tripKey))
	if err != nil {
		return 0, err
	}

	if current == nil || !current.Claimed || current.OwnerID != ownerID {
		return 0, nil
	}

	current.Claimed = false
	current.OwnerID = ""

	err = s.write(ctx, current, etag)
	if errors.Is(err, errConflict) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return 1, nil
}

func (s *Store) ListClaimedTrips(ctx context.Context, staleBefore time.Time) ([]string, error) {
	var keys []string

	err := s.each(ctx, func(current *record, _ string) error {
		if current.claim().IsValid(staleBefore) {
			keys = append(keys, current.TripKey)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(keys)
	return keys, nil
}

func (s *Store) TouchHeartbeat(ctx context.Context, tripKey, ownerID string, at time.Time) (bool, error) {
	var current, etag, err = s.read(ctx, s.objectKey(tripKey))
	if err != nil {
		return false, err
	}

	if current == nil || !current.Claimed || current.OwnerID != ownerID {
		return false, nil
	}

	current.LastActivity = at

	err = s.write(ctx, current, etag)
	if errors.Is(err, errConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

func (s *Store) GetClaim(ctx context.Context, tripKey string) (*triplock.Claim, error) {
	var current, _, err = s.read(ctx, s.objectKey(tripKey))
	if err != nil || current == nil {
		return nil, err
	}
	return current.claim(), nil
}

func (s *Store) SweepStale(ctx context.Context, staleBefore time.Time) (int64, error) {
	var swept int64

	err := s.each(ctx, func(current *record, etag string) error {
		if !current.Claimed || !current.LastActivity.Before(staleBefore) {
			return nil
		}

		current.Claimed = false
		current.OwnerID = ""

		var err = s.write(ctx, current, etag)
		if errors.Is(err, errConflict) {
			// Heartbeat or takeover won the race; the row is no longer stale
			return nil
		}
		if err != nil {
			return err
		}

		swept++
		return nil
	})

	return swept, err
}

func (s *Store) objectKey(tripKey string) string {
	return s.prefix + url.PathEscape(tripKey) + ".json"
}

// each reads every claim object under the prefix.
func (s *Store) each(ctx context.Context, fn func(current *record, etag string) error) error {
	var paginator = s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	for paginator.HasMorePages() {
		var page, err = paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list claim objects: %w", err)
		}

		for _, object := range page.Contents {
			var current, etag, err = s.read(ctx, aws.ToString(object.Key))
			if err != nil {
				return err
			}
			if current == nil {
				continue
			}
			if err := fn(current, etag); err != nil {
				return err
			}
		}
	}

	return nil
}

// read returns nil without error when the object does not exist.
func (s *Store) read(ctx context.Context, key string) (*record, string, error) {
	var out, err = s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) || isAWSErrorCode(err, "NoSuchKey") {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to get claim object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read claim object %s: %w", key, err)
	}

	var current record
	if err := json.Unmarshal(data, &current); err != nil {
		return nil, "", fmt.Errorf("failed to decode claim object %s: %w", key, err)
	}

	return &current, aws.ToString(out.ETag), nil
}

// write stores rec only if the object still has etag, or does not exist when etag is empty.
func (s *Store) write(ctx context.Context, rec *record, etag string) error {
	var data, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode claim for trip %s: %w", rec.TripKey, err)
	}

	var input = &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(rec.TripKey)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	}
	if etag == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(etag)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		if isAWSErrorCode(err, "PreconditionFailed") || isAWSErrorCode(err, "ConditionalRequestConflict") {
			return errConflict
		}
		return fmt.Errorf("failed to put claim for trip %s: %w", rec.TripKey, err)
	}

	return nil
}

func isAWSErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == code
	}
	return false
}
