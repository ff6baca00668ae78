// Package transcript archives the output of sanitizer runs so a failed wipe can be
// investigated after the account has been marked DIRTY.
package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"
	DriverNone   = "none"

	defaultMaxGetSize int64 = 16 << 20
)

var (
	ErrInvalidConfig = errors.New("transcript: invalid config")
	ErrNotFound      = errors.New("transcript: not found")
	ErrTooLarge      = errors.New("transcript: object too large")
)

// Entry is one archived sanitizer run.
type Entry struct {
	AccountID string
	StartedAt time.Time
	Succeeded bool
	Output    []byte
}

// Key is the object key an entry is stored under.
func (e Entry) Key() string {
	status := "ok"
	if !e.Succeeded {
		status = "failed"
	}
	return fmt.Sprintf("sanitize/%s/%s-%s.log", e.AccountID, e.StartedAt.UTC().Format("20060102T150405.000000000Z"), status)
}

// Store persists sanitizer transcripts.
type Store interface {
	Put(ctx context.Context, e Entry) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

type Config struct {
	Driver string
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 16 MiB when <= 0.
	MaxGetSize int64

	// S3 fields.
	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// New returns nil, nil for the "none" driver; callers treat a nil Store as disabled.
func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverNone:
		return nil, nil
	case DriverMemory:
		return NewMemoryStore(cfg.Prefix), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverNone
	}
	return v
}

func validateEntry(e Entry) error {
	if strings.TrimSpace(e.AccountID) == "" || strings.ContainsAny(e.AccountID, "/\x00") {
		return fmt.Errorf("%w: invalid account id %q", ErrInvalidConfig, e.AccountID)
	}
	if e.StartedAt.IsZero() {
		return fmt.Errorf("%w: zero start time", ErrInvalidConfig)
	}
	return nil
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func joinPrefix(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// MemoryStore keeps transcripts in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string][]byte
}

func NewMemoryStore(prefix string) *MemoryStore {
	return &MemoryStore{
		prefix:  normalizePrefix(prefix),
		objects: make(map[string][]byte),
	}
}

func (m *MemoryStore) Put(_ context.Context, e Entry) (string, error) {
	if err := validateEntry(e); err != nil {
		return "", err
	}
	key := joinPrefix(m.prefix, e.Key())

	m.mu.Lock()
	m.objects[key] = append([]byte(nil), e.Output...)
	m.mu.Unlock()
	return key, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

// Keys lists stored keys in lexical order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type s3Store struct {
	client     S3Client
	bucket     string
	prefix     string
	maxGetSize int64
}

func newS3Store(cfg Config) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidConfig)
	}
	if cfg.S3Client == nil {
		return nil, fmt.Errorf("%w: s3 client is required", ErrInvalidConfig)
	}

	maxGet := cfg.MaxGetSize
	if maxGet <= 0 {
		maxGet = defaultMaxGetSize
	}

	return &s3Store{
		client:     cfg.S3Client,
		bucket:     bucket,
		prefix:     normalizePrefix(cfg.Prefix),
		maxGetSize: maxGet,
	}, nil
}

func (s *s3Store) Put(ctx context.Context, e Entry) (string, error) {
	if err := validateEntry(e); err != nil {
		return "", err
	}
	key := joinPrefix(s.prefix, e.Key())

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(e.Output),
		ContentType: aws.String("text/plain; charset=utf-8"),
		Metadata: map[string]string{
			"account-id": e.AccountID,
			"succeeded":  fmt.Sprintf("%t", e.Succeeded),
		},
	})
	if err != nil {
		return "", fmt.Errorf("transcript/s3: put %q: %w", key, err)
	}
	return key, nil
}

func (s *s3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("transcript/s3: get %q: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(out.Body, s.maxGetSize+1))
	if err != nil {
		return nil, fmt.Errorf("transcript/s3: read %q: %w", key, err)
	}
	if int64(len(data)) > s.maxGetSize {
		return nil, fmt.Errorf("%w: key %q exceeds max %d bytes", ErrTooLarge, key, s.maxGetSize)
	}
	return data, nil
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchKey", "NotFound", "404":
		return true
	default:
		return false
	}
}
