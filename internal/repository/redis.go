package repository

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ipcountry/internal/model"
)

const validatorsKeyPrefix = "ipcountry:validators:"

// RedisRepository shares dataset validators between replicas so a restarted
// or scaled-out instance can issue conditional requests.
type RedisRepository struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisRepository(client *redis.Client, logger *zap.Logger) *RedisRepository {
	return &RedisRepository{
		client: client,
		logger: logger,
	}
}

func (r *RedisRepository) GetValidators(ctx context.Context, family string) (model.DatasetValidators, bool, error) {
	var v model.DatasetValidators

	data, err := r.client.Get(ctx, validatorsKeyPrefix+family).Bytes()
	if err == redis.Nil {
		return v, false, nil
	}
	if err != nil {
		r.logger.Error("failed to get dataset validators from cache",
			zap.String("family", family),
			zap.Error(err))
		return v, false, err
	}

	if err := json.Unmarshal(data, &v); err != nil {
		r.logger.Warn("discarding malformed dataset validators",
			zap.String("family", family),
			zap.Error(err))
		return model.DatasetValidators{}, false, nil
	}
	return v, true, nil
}

func (r *RedisRepository) SaveValidators(ctx context.Context, family string, v model.DatasetValidators) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	err = r.client.Set(ctx, validatorsKeyPrefix+family, data, 0).Err()
	if err != nil {
		r.logger.Error("failed to set dataset validators in cache",
			zap.String("family", family),
			zap.Error(err))
	}
	return err
}
