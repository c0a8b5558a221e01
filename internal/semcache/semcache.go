// Package semcache implements the semantic cache (spec.md §4.10): a
// Redis-backed JSON document store with a RediSearch HNSW vector index,
// queried by cosine distance. Grounded on the teacher's
// internal/cache/exact.go Redis-client idiom (graceful degradation,
// context-scoped timeouts); go-redis has no typed RediSearch client, so
// FT.* commands are issued via the raw Do() escape hatch the driver
// exposes for exactly this case.
package semcache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	indexName    = "idx:semantic-cache"
	keyPrefix    = "cache:"
	defaultTimeout = 750 * time.Millisecond
)

// Embedder computes a vector embedding for a query string. Concrete
// implementations call an off-board embedding provider; this package only
// consumes the interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Entry is the JSON document written at cache:<uuid>.
type Entry struct {
	Query     string    `json:"query"`
	Model     string    `json:"model"`
	Response  string    `json:"response"`
	Embedding []float32 `json:"embedding"`
	CreatedTs int64     `json:"createdTs"`
}

// LookupResult is the read-path outcome.
type LookupResult struct {
	Hit      bool
	Response string
	Score    float64 // cosine distance; meaningful only when Hit
}

// Cache is the semantic cache client.
type Cache struct {
	rdb       *redis.Client
	embed     Embedder
	dim       int
	threshold float64
	ttl       time.Duration
	log       *slog.Logger
}

// Config tunes a Cache.
type Config struct {
	Dimensions          int
	SimilarityThreshold float64 // default 0.15
	TTL                 time.Duration
}

// New constructs a Cache and idempotently ensures the vector index exists.
func New(ctx context.Context, rdb *redis.Client, embed Embedder, cfg Config, log *slog.Logger) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.15
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("semcache: dimensions must be positive")
	}

	c := &Cache{rdb: rdb, embed: embed, dim: cfg.Dimensions, threshold: cfg.SimilarityThreshold, ttl: cfg.TTL, log: log}

	if err := c.ensureVectorIndex(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// ensureVectorIndex creates idx:semantic-cache if absent. FT.CREATE
// returning an "Index already exists" error is silently tolerated, per
// spec.md §4.10 — calling this twice in sequence is a no-op the second
// time.
func (c *Cache) ensureVectorIndex(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	args := []interface{}{
		"FT.CREATE", indexName,
		"ON", "JSON",
		"PREFIX", "1", keyPrefix,
		"SCHEMA",
		"$.embedding", "AS", "vector", "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32", "DIM", c.dim, "DISTANCE_METRIC", "COSINE",
		"$.model", "AS", "model", "TAG",
		"$.query", "AS", "query", "TEXT",
	}

	err := c.rdb.Do(ctx, args...).Err()
	if err == nil {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	return fmt.Errorf("semcache: FT.CREATE: %w", err)
}

// Store embeds query and writes {query, model, response, embedding,
// createdTs} at cache:<uuid> with the configured TTL. Rejects embeddings
// whose length doesn't match the configured dimension, leaving no partial
// state.
func (c *Cache) Store(ctx context.Context, query, model, response string) error {
	emb, err := c.embed.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("semcache: embed: %w", err)
	}
	if len(emb) != c.dim {
		return fmt.Errorf("semcache: embedding dimension %d != configured %d", len(emb), c.dim)
	}

	entry := Entry{
		Query:     query,
		Model:     model,
		Response:  response,
		Embedding: emb,
		CreatedTs: time.Now().UnixMilli(),
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("semcache: marshal entry: %w", err)
	}

	key := keyPrefix + uuid.NewString()

	qctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	if err := c.rdb.Do(qctx, "JSON.SET", key, "$", string(body)).Err(); err != nil {
		return fmt.Errorf("semcache: JSON.SET: %w", err)
	}
	if c.ttl > 0 {
		if err := c.rdb.Expire(qctx, key, c.ttl).Err(); err != nil {
			c.log.WarnContext(ctx, "semcache_expire_error", slog.String("key", key), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Lookup embeds query and performs a KNN=1 search scoped to model via the
// TAG filter, escaped per allowlist rules so a hostile model id cannot
// break out of the query syntax. A result counts as a hit iff its cosine
// distance is strictly below the configured threshold.
func (c *Cache) Lookup(ctx context.Context, query, model string) (LookupResult, error) {
	emb, err := c.embed.Embed(ctx, query)
	if err != nil {
		return LookupResult{}, fmt.Errorf("semcache: embed: %w", err)
	}
	if len(emb) != c.dim {
		return LookupResult{}, fmt.Errorf("semcache: embedding dimension %d != configured %d", len(emb), c.dim)
	}

	blob := encodeFloat32s(emb)
	filter := fmt.Sprintf("(@model:{%s}) => [KNN 1 @vector $blob AS score]", escapeTag(model))

	qctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	res, err := c.rdb.Do(qctx,
		"FT.SEARCH", indexName, filter,
		"PARAMS", "2", "blob", blob,
		"SORTBY", "score",
		"LIMIT", "0", "1",
		"RETURN", "2", "$.response", "score",
		"DIALECT", "2",
	).Result()
	if err != nil {
		return LookupResult{}, fmt.Errorf("semcache: FT.SEARCH: %w", err)
	}

	response, score, found, err := parseSearchReply(res)
	if err != nil {
		return LookupResult{}, err
	}
	if !found || score >= c.threshold {
		return LookupResult{Hit: false}, nil
	}
	return LookupResult{Hit: true, Response: response, Score: score}, nil
}

// escapeTag neutralizes every Redis query special character
// (`{ } | @ * ( ) ! ~ " ' . : - /`) in a TAG filter value, fixing the
// partial (`.:-/`-only) escaping flagged in spec.md §9/§4.10.
func escapeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isTagSpecial(r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isTagSpecial(r rune) bool {
	switch r {
	case '{', '}', '|', '@', '*', '(', ')', '!', '~', '"', '\'', '.', ':', '-', '/', ' ', '\\':
		return true
	}
	return false
}

func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// parseSearchReply extracts the first result's $.response and score from
// an FT.SEARCH RESP reply shaped as
// [total, docID, [field, value, field, value, ...], ...].
func parseSearchReply(reply interface{}) (response string, score float64, found bool, err error) {
	arr, ok := reply.([]interface{})
	if !ok || len(arr) < 3 {
		return "", 0, false, nil
	}

	total, _ := toInt64(arr[0])
	if total == 0 {
		return "", 0, false, nil
	}

	fields, ok := arr[2].([]interface{})
	if !ok {
		return "", 0, false, errors.New("semcache: unexpected FT.SEARCH field shape")
	}

	for i := 0; i+1 < len(fields); i += 2 {
		key, _ := toString(fields[i])
		val, _ := toString(fields[i+1])
		switch key {
		case "$.response", "response":
			response = val
		case "score":
			score = parseFloat(val)
		}
	}

	return response, score, true, nil
}

func toString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}

func parseFloat(s string) float64 {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	if err != nil {
		return math.Inf(1)
	}
	return f
}
