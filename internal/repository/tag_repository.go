package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TagRepository resolves RFID/NFC tag identifiers to student IDs. Lookups go
// through a Redis identification cache in front of Postgres: readers fire the
// same tags all day, so the hot set is tiny and very repetitive.
type TagRepository struct {
	db       *sqlx.DB
	client   *redis.Client
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewTagRepository constructs the repository. The Redis client may be nil, in
// which case every lookup hits Postgres.
func NewTagRepository(db *sqlx.DB, client *redis.Client, cacheTTL time.Duration, logger *zap.Logger) *TagRepository {
	if cacheTTL <= 0 {
		cacheTTL = 90 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TagRepository{db: db, client: client, cacheTTL: cacheTTL, logger: logger}
}

// Resolve maps a tag to its student, or sql.ErrNoRows for unknown tags.
func (r *TagRepository) Resolve(ctx context.Context, tagID string) (string, error) {
	key := cacheKey(tagID)
	if r.client != nil {
		cached, err := r.client.Get(ctx, key).Result()
		if err == nil && cached != "" {
			return cached, nil
		}
		if err != nil && err != redis.Nil {
			r.logger.Warn("tag cache get failed", zap.String("tag_id", tagID), zap.Error(err))
		}
	}

	var studentID string
	query := `SELECT student_id FROM student_tags WHERE tag_id = $1 AND active = true`
	if err := r.db.GetContext(ctx, &studentID, query, tagID); err != nil {
		return "", err
	}

	if r.client != nil {
		if err := r.client.Set(ctx, key, studentID, r.cacheTTL).Err(); err != nil {
			r.logger.Warn("tag cache set failed", zap.String("tag_id", tagID), zap.Error(err))
		}
	}
	return studentID, nil
}

// Invalidate drops the cached mapping for a tag, e.g. after reassignment.
func (r *TagRepository) Invalidate(ctx context.Context, tagID string) error {
	if r.client == nil {
		return nil
	}
	if err := r.client.Del(ctx, cacheKey(tagID)).Err(); err != nil {
		return fmt.Errorf("invalidate tag %s: %w", tagID, err)
	}
	return nil
}

func cacheKey(tagID string) string {
	return "tag:student:" + tagID
}
