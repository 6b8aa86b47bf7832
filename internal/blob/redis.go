package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no blob exists under the requested key.
var ErrNotFound = fmt.Errorf("blob not found")

// Post is a cached publish result rendered for a permalink.
type Post struct {
	Properties map[string]interface{} `json:"properties"`
	Debug      string                 `json:"debug"`
}

// Store keeps uploaded images and cached post payloads in Redis, keyed by
// (subject token, test number, random key).
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStoreFromEnv connects to Redis using REDIS_URL.
func NewStoreFromEnv() (*Store, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Store{
		client: client,
		ttl:    parseTTLEnv("BLOB_TTL", 7*24*time.Hour),
	}, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// PutImage stores the raw bytes of an uploaded photo.
func (s *Store) PutImage(ctx context.Context, subjectToken string, testNumber int, key string, data []byte) error {
	return s.client.Set(ctx, imageKey(subjectToken, testNumber, key), data, s.ttl).Err()
}

// GetImage fetches a stored photo, or ErrNotFound.
func (s *Store) GetImage(ctx context.Context, subjectToken string, testNumber int, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, imageKey(subjectToken, testNumber, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// PutPost caches a passing publish result so its permalink can be served
// later.
func (s *Store) PutPost(ctx context.Context, subjectToken string, testNumber int, key string, post *Post) error {
	payload, err := json.Marshal(post)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, postKey(subjectToken, testNumber, key), payload, s.ttl).Err()
}

// GetPost fetches a cached publish result, or ErrNotFound.
func (s *Store) GetPost(ctx context.Context, subjectToken string, testNumber int, key string) (*Post, error) {
	payload, err := s.client.Get(ctx, postKey(subjectToken, testNumber, key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var post Post
	if err := json.Unmarshal(payload, &post); err != nil {
		return nil, err
	}
	return &post, nil
}

func imageKey(token string, num int, key string) string {
	return fmt.Sprintf("post:img:%s:%d:%s", token, num, key)
}

func postKey(token string, num int, key string) string {
	return fmt.Sprintf("post:html:%s:%d:%s", token, num, key)
}

func parseTTLEnv(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
