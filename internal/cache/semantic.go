package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Semantic cache defaults.
const (
	DefaultIndexName  = "idx:semantic-cache"
	DefaultKeyPrefix  = "cache:"
	DefaultThreshold  = 0.15
	DefaultDimensions = 1536
)

// Embedder turns text into a vector. The OpenAI embeddings endpoint is the
// production implementation; tests plug in stubs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedderFunc adapts a function to the Embedder interface.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// SemanticConfig tunes the vector cache.
type SemanticConfig struct {
	// Dimensions is the embedding vector length; writes with any other
	// length are rejected.
	Dimensions int
	// Threshold is the maximum cosine distance for a hit.
	Threshold float64
	// TTL applies to every stored entry.
	TTL time.Duration
	// IndexName and KeyPrefix default to idx:semantic-cache / cache:.
	IndexName string
	KeyPrefix string
}

func (c *SemanticConfig) applyDefaults() {
	if c.Dimensions <= 0 {
		c.Dimensions = DefaultDimensions
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.IndexName == "" {
		c.IndexName = DefaultIndexName
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
}

// Hit is a successful semantic lookup.
type Hit struct {
	Response string
	Query    string // the stored query the hit matched against
	Distance float64
	Key      string
}

// semanticEntry is the JSON document stored at cache:<uuid>.
type semanticEntry struct {
	Query     string    `json:"query"`
	Model     string    `json:"model"`
	Params    string    `json:"params"`
	Response  string    `json:"response"`
	Embedding []float32 `json:"embedding"`
	CreatedTs int64     `json:"createdTs"`
}

// SemanticCache stores completions as JSON documents in Redis and finds
// near-duplicate queries with a KNN search over an HNSW index. Entries are
// scoped by model and generation parameters: a hit is only served when both
// match the request exactly and the query embedding is within the distance
// threshold.
type SemanticCache struct {
	rdb      *redis.Client
	embedder Embedder
	cfg      SemanticConfig
	log      *slog.Logger
}

// NewSemanticCache wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewSemanticCache(rdb *redis.Client, embedder Embedder, cfg SemanticConfig, log *slog.Logger) *SemanticCache {
	cfg.applyDefaults()
	return &SemanticCache{rdb: rdb, embedder: embedder, cfg: cfg, log: log}
}

// EnsureIndex creates the vector index if it does not exist. Calling it
// against an existing index is a no-op.
func (c *SemanticCache) EnsureIndex(ctx context.Context) error {
	err := c.rdb.FTCreate(ctx, c.cfg.IndexName,
		&redis.FTCreateOptions{
			OnJSON: true,
			Prefix: []interface{}{c.cfg.KeyPrefix},
		},
		&redis.FieldSchema{
			FieldName: "$.embedding",
			As:        "vector",
			FieldType: redis.SearchFieldTypeVector,
			VectorArgs: &redis.FTVectorArgs{
				HNSWOptions: &redis.FTHNSWOptions{
					Type:           "FLOAT32",
					Dim:            c.cfg.Dimensions,
					DistanceMetric: "COSINE",
				},
			},
		},
		&redis.FieldSchema{FieldName: "$.model", As: "model", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "$.params", As: "params", FieldType: redis.SearchFieldTypeTag},
		&redis.FieldSchema{FieldName: "$.query", As: "query", FieldType: redis.SearchFieldTypeText},
	).Err()
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return nil
	}
	return err
}

// Lookup embeds the query and runs KNN 1 filtered to the exact model and
// params tags. Returns (nil, nil) on a miss.
func (c *SemanticCache) Lookup(ctx context.Context, query, model, params string) (*Hit, error) {
	emb, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("semantic cache: embed: %w", err)
	}
	if len(emb) != c.cfg.Dimensions {
		return nil, fmt.Errorf("semantic cache: embedding dimension %d, want %d", len(emb), c.cfg.Dimensions)
	}

	knn := fmt.Sprintf("(@model:{%s} @params:{%s})=>[KNN 1 @vector $blob AS score]",
		EscapeTag(model), EscapeTag(params))

	res, err := c.rdb.FTSearchWithArgs(ctx, c.cfg.IndexName, knn, &redis.FTSearchOptions{
		Return: []redis.FTSearchReturn{
			{FieldName: "score"},
			{FieldName: "$.response", As: "response"},
			{FieldName: "$.query", As: "query"},
		},
		SortBy:         []redis.FTSearchSortBy{{FieldName: "score", Asc: true}},
		Limit:          1,
		Params:         map[string]interface{}{"blob": VectorBlob(emb)},
		DialectVersion: 2,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("semantic cache: search: %w", err)
	}
	if len(res.Docs) == 0 {
		return nil, nil
	}

	doc := res.Docs[0]
	dist, err := parseDistance(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("semantic cache: %w", err)
	}
	if dist >= c.cfg.Threshold {
		return nil, nil
	}
	return &Hit{
		Response: doc.Fields["response"],
		Query:    doc.Fields["query"],
		Distance: dist,
		Key:      doc.ID,
	}, nil
}

// Store embeds the query and writes a TTL'd JSON document. Writes are
// rejected when the embedding length does not match the configured dimension,
// leaving no partial state.
func (c *SemanticCache) Store(ctx context.Context, query, model, params, response string) error {
	emb, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("semantic cache: embed: %w", err)
	}
	if len(emb) != c.cfg.Dimensions {
		return fmt.Errorf("semantic cache: embedding dimension %d, want %d", len(emb), c.cfg.Dimensions)
	}

	key := c.cfg.KeyPrefix + uuid.NewString()
	entry := semanticEntry{
		Query:     query,
		Model:     model,
		Params:    params,
		Response:  response,
		Embedding: emb,
		CreatedTs: time.Now().UnixMilli(),
	}
	if err := c.rdb.JSONSet(ctx, key, "$", entry).Err(); err != nil {
		return fmt.Errorf("semantic cache: write %s: %w", key, err)
	}
	if c.cfg.TTL > 0 {
		if err := c.rdb.Expire(ctx, key, c.cfg.TTL).Err(); err != nil {
			return fmt.Errorf("semantic cache: expire %s: %w", key, err)
		}
	}
	return nil
}

// Threshold exposes the configured hit threshold for logging.
func (c *SemanticCache) Threshold() float64 { return c.cfg.Threshold }

// ParamsKey canonicalizes the generation parameters that participate in the
// cache identity. Requests differing in temperature, top_p, max_tokens or
// stop sequences never share entries.
func ParamsKey(temperature, topP float64, maxTokens int, stop []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "t=%s", strconv.FormatFloat(temperature, 'g', -1, 64))
	fmt.Fprintf(&b, ";p=%s", strconv.FormatFloat(topP, 'g', -1, 64))
	fmt.Fprintf(&b, ";mt=%d", maxTokens)
	if len(stop) > 0 {
		b.WriteString(";stop=")
		b.WriteString(strings.Join(stop, ","))
	}
	return b.String()
}

// tagSpecials is the full RediSearch tag special-character set. Every one of
// them must be escaped or a crafted model id can break out of the TAG filter.
const tagSpecials = "{}|@*()!~\"'.:-/ ,;<>[]=&$%^`\\"

// EscapeTag backslash-escapes a value for use inside a TAG filter.
func EscapeTag(s string) string {
	var b strings.Builder
	b.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(tagSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// VectorBlob encodes a float32 vector as the little-endian byte blob the
// KNN query parameter expects.
func VectorBlob(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func parseDistance(fields map[string]string) (float64, error) {
	raw, ok := fields["score"]
	if !ok {
		return 0, fmt.Errorf("search result missing score field")
	}
	dist, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse score %q: %w", raw, err)
	}
	return dist, nil
}
