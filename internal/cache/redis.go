package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/crypto/sha3"

	"sfbridge/pkg/models"
)

// Config configures Redis access for the credential store and dedup ledger.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Expire    time.Duration
}

// RedisCache persists credentials and dedup state for one Salesforce
// instance. Keys are namespaced per instance so orgs with overlapping
// record ids never collide.
type RedisCache struct {
	client *redis.Client
	prefix string
	expire time.Duration
}

// NewRedisCache constructs a Redis-backed cache for the named instance.
func NewRedisCache(instanceName string, cfg Config) (*RedisCache, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = "sfbridge"
	}
	if cfg.Expire <= 0 {
		cfg.Expire = 48 * time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis cache: %w", err)
	}

	return &RedisCache{
		client: client,
		prefix: cfg.KeyPrefix + ":" + instanceName,
		expire: cfg.Expire,
	}, nil
}

// AuthExists reports whether a credential blob is cached.
func (c *RedisCache) AuthExists() (bool, error) {
	n, err := c.client.Exists(context.Background(), c.authKey()).Result()
	if err != nil {
		return false, fmt.Errorf("check auth key: %w", err)
	}
	return n > 0, nil
}

// GetAuth loads the cached credential blob, or nil when absent.
func (c *RedisCache) GetAuth() (*models.Credentials, error) {
	fields, err := c.client.HGetAll(context.Background(), c.authKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("get auth key: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return &models.Credentials{
		AccessToken: fields["access_token"],
		InstanceURL: fields["instance_url"],
		TokenType:   fields["token_type"],
	}, nil
}

// SetAuth stores the credential blob.
func (c *RedisCache) SetAuth(creds *models.Credentials) error {
	err := c.client.HSet(context.Background(), c.authKey(),
		"access_token", creds.AccessToken,
		"instance_url", creds.InstanceURL,
		"token_type", creds.TokenType,
	).Err()
	if err != nil {
		return fmt.Errorf("set auth key: %w", err)
	}
	return nil
}

// DeleteAuth removes the cached credential blob so the next authenticate
// call is forced to hit the network.
func (c *RedisCache) DeleteAuth() error {
	if err := c.client.Del(context.Background(), c.authKey()).Err(); err != nil {
		return fmt.Errorf("delete auth key: %w", err)
	}
	return nil
}

// CheckCachedID records the id and reports whether it had already been
// delivered.
func (c *RedisCache) CheckCachedID(id string) (bool, error) {
	ctx := context.Background()
	added, err := c.client.SAdd(ctx, c.idsKey(), id).Result()
	if err != nil {
		return false, fmt.Errorf("record cached id: %w", err)
	}
	c.client.Expire(ctx, c.idsKey(), c.expire)
	return added == 0, nil
}

// CanSkipDownloadingFile reports whether the file was already fully
// processed. Callers must only consult this for Hourly files.
func (c *RedisCache) CanSkipDownloadingFile(fileID string) (bool, error) {
	n, err := c.client.Exists(context.Background(), c.doneKey(fileID)).Result()
	if err != nil {
		return false, fmt.Errorf("check file done marker: %w", err)
	}
	return n > 0, nil
}

// MarkFileDone marks the file as fully processed.
func (c *RedisCache) MarkFileDone(fileID string) error {
	err := c.client.Set(context.Background(), c.doneKey(fileID), "1", c.expire).Err()
	if err != nil {
		return fmt.Errorf("set file done marker: %w", err)
	}
	return nil
}

// RetrieveCachedRowHashes returns the content hashes already delivered for
// the file.
func (c *RedisCache) RetrieveCachedRowHashes(fileID string) (map[string]struct{}, error) {
	members, err := c.client.SMembers(context.Background(), c.rowsKey(fileID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get cached row hashes: %w", err)
	}
	hashes := make(map[string]struct{}, len(members))
	for _, m := range members {
		hashes[m] = struct{}{}
	}
	return hashes, nil
}

// RecordOrSkipRow reports whether the row was already delivered for the
// file; new rows are recorded in the ledger and in the passed hash set.
func (c *RedisCache) RecordOrSkipRow(fileID string, row map[string]string, cached map[string]struct{}) (bool, error) {
	hash := RowHash(row)
	if _, ok := cached[hash]; ok {
		return true, nil
	}
	ctx := context.Background()
	if err := c.client.SAdd(ctx, c.rowsKey(fileID), hash).Err(); err != nil {
		return false, fmt.Errorf("record row hash: %w", err)
	}
	c.client.Expire(ctx, c.rowsKey(fileID), c.expire)
	cached[hash] = struct{}{}
	return false, nil
}

// Close closes Redis resources.
func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func (c *RedisCache) authKey() string {
	return c.prefix + ":auth"
}

func (c *RedisCache) idsKey() string {
	return c.prefix + ":ids"
}

func (c *RedisCache) rowsKey(fileID string) string {
	return c.prefix + ":rows:" + fileID
}

func (c *RedisCache) doneKey(fileID string) string {
	return c.prefix + ":done:" + fileID
}

// RowHash derives a stable content hash for one CSV row: fields are
// serialized in key order and digested with SHA3-256.
func RowHash(row map[string]string) string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(row[k])
		sb.WriteByte('\n')
	}
	sum := sha3.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}
