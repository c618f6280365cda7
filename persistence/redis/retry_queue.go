package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/docrelay/docrelay/logger"
	"github.com/docrelay/docrelay/persistence"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

const RETRY_QUEUE_KEY string = "NOTIFICATION_RETRY"

var _ persistence.RetryQueue = new(redisRetryQueue)

// redisRetryQueue keeps deferred notification attempts in a ZSET scored by
// execute-time in unix millis.
type redisRetryQueue struct {
	baseDao
}

func NewRedisRetryQueue(conf Config) *redisRetryQueue {
	return &redisRetryQueue{
		baseDao: *newBaseDao(conf),
	}
}

func (rq *redisRetryQueue) Push(ctx context.Context, entry persistence.RetryEntry, delay time.Duration) error {
	queueName := rq.getNamespaceKey(RETRY_QUEUE_KEY)
	msg, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	member := rd.Z{
		Score:  float64(time.Now().Add(delay).UnixMilli()),
		Member: msg,
	}
	if err := rq.redisClient.ZAdd(ctx, queueName, member).Err(); err != nil {
		logger.Error("error while push to retry queue", zap.String("queue", queueName), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rq *redisRetryQueue) PopDue(ctx context.Context, batchSize int) ([]persistence.RetryEntry, error) {
	queueName := rq.getNamespaceKey(RETRY_QUEUE_KEY)
	currentTime := time.Now().UnixMilli()
	opt := &rd.ZRangeBy{
		Min:   strconv.Itoa(0),
		Max:   strconv.FormatInt(currentTime, 10),
		Count: int64(batchSize),
	}
	values, err := rq.redisClient.ZRangeByScore(ctx, queueName, opt).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil
		}
		logger.Error("error while pop from retry queue", zap.String("queue", queueName), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	if len(values) == 0 {
		return nil, nil
	}
	// Remove only the members we are returning; entries past the batch stay
	// queued for the next run.
	members := make([]interface{}, len(values))
	for i, v := range values {
		members[i] = v
	}
	if err := rq.redisClient.ZRem(ctx, queueName, members...).Err(); err != nil {
		logger.Error("error while removing popped retry entries", zap.String("queue", queueName), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var entries []persistence.RetryEntry
	for _, value := range values {
		var entry persistence.RetryEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			logger.Error("malformed retry queue entry dropped", zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (rq *redisRetryQueue) TrimBefore(ctx context.Context, cutoff time.Time) (int, error) {
	queueName := rq.getNamespaceKey(RETRY_QUEUE_KEY)
	removed, err := rq.redisClient.ZRemRangeByScore(ctx, queueName, strconv.Itoa(0), strconv.FormatInt(cutoff.UnixMilli(), 10)).Result()
	if err != nil {
		logger.Error("error while trimming retry queue", zap.String("queue", queueName), zap.Error(err))
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return int(removed), nil
}
