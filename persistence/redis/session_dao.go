package redis

import (
	"context"
	"errors"
	"time"

	"github.com/docrelay/docrelay/logger"
	"github.com/docrelay/docrelay/model"
	"github.com/docrelay/docrelay/persistence"
	"github.com/docrelay/docrelay/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

const SESSION_KEY string = "SESSION"
const TOKEN_KEY string = "TOKEN"
const STATUS_KEY string = "SESSION_STATUS"

// casRetries bounds optimistic retry on WATCH contention before giving up.
const casRetries = 3

var _ persistence.Repository = new(redisSessionDao)

type redisSessionDao struct {
	baseDao
	encoderDecoder util.EncoderDecoder[model.WorkflowSession]
}

func NewRedisSessionDao(conf Config, encoderDecoder util.EncoderDecoder[model.WorkflowSession]) *redisSessionDao {
	return &redisSessionDao{
		baseDao:        *newBaseDao(conf),
		encoderDecoder: encoderDecoder,
	}
}

func (rs *redisSessionDao) sessionKey(sessionId string) string {
	return rs.getNamespaceKey(SESSION_KEY, sessionId)
}

func (rs *redisSessionDao) tokenKey(token string) string {
	return rs.getNamespaceKey(TOKEN_KEY, token)
}

func (rs *redisSessionDao) statusKey(status model.SessionStatus) string {
	return rs.getNamespaceKey(STATUS_KEY, string(status))
}

func (rs *redisSessionDao) CreateSession(ctx context.Context, session *model.WorkflowSession) error {
	data, err := rs.encoderDecoder.Encode(*session)
	if err != nil {
		return err
	}
	// Access tokens are claimed with SETNX first so a token can never be
	// reused across sessions. Any failure past the first claim gives the
	// claimed keys back before returning.
	claimed := make([]string, 0, len(session.Recipients))
	for i := range session.Recipients {
		key := rs.tokenKey(session.Recipients[i].AccessToken)
		ok, err := rs.redisClient.SetNX(ctx, key, session.Id, 0).Result()
		if err != nil {
			logger.Error("error claiming access token", zap.String("sessionId", session.Id), zap.Error(err))
			rs.releaseClaims(ctx, session.Id, claimed)
			return persistence.StorageLayerError{Message: err.Error()}
		}
		if !ok {
			rs.releaseClaims(ctx, session.Id, claimed)
			return persistence.StorageLayerError{Message: "access token already in use"}
		}
		claimed = append(claimed, key)
	}
	_, err = rs.redisClient.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
		pipe.Set(ctx, rs.sessionKey(session.Id), data, 0)
		pipe.SAdd(ctx, rs.statusKey(session.Status), session.Id)
		return nil
	})
	if err != nil {
		logger.Error("error in saving session", zap.String("sessionId", session.Id), zap.Error(err))
		rs.releaseClaims(ctx, session.Id, claimed)
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rs *redisSessionDao) releaseClaims(ctx context.Context, sessionId string, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := rs.redisClient.Del(ctx, keys...).Err(); err != nil {
		logger.Error("error releasing access token claims", zap.String("sessionId", sessionId), zap.Error(err))
	}
}

func (rs *redisSessionDao) getSession(ctx context.Context, sessionId string) (*model.WorkflowSession, error) {
	data, err := rs.redisClient.Get(ctx, rs.sessionKey(sessionId)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Key: sessionId}
		}
		logger.Error("error in getting session", zap.String("sessionId", sessionId), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rs.encoderDecoder.Decode([]byte(data))
}

func (rs *redisSessionDao) GetById(ctx context.Context, sessionId string) (*model.WorkflowSession, error) {
	return rs.getSession(ctx, sessionId)
}

func (rs *redisSessionDao) GetByToken(ctx context.Context, accessToken string) (*model.WorkflowSession, *model.Recipient, error) {
	sessionId, err := rs.redisClient.Get(ctx, rs.tokenKey(accessToken)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, nil, persistence.NotFoundError{Key: accessToken}
		}
		logger.Error("error in resolving token", zap.Error(err))
		return nil, nil, persistence.StorageLayerError{Message: err.Error()}
	}
	session, err := rs.getSession(ctx, sessionId)
	if err != nil {
		return nil, nil, err
	}
	recipient := session.RecipientByToken(accessToken)
	if recipient == nil {
		return nil, nil, persistence.NotFoundError{Key: accessToken}
	}
	return session, recipient, nil
}

func (rs *redisSessionDao) UpdateRecipient(ctx context.Context, sessionId string, recipientId string, expected []model.RecipientStatus, update persistence.RecipientUpdate) (*model.WorkflowSession, error) {
	var result *model.WorkflowSession
	err := rs.transition(ctx, sessionId, func(session *model.WorkflowSession) error {
		recipient := session.RecipientById(recipientId)
		if recipient == nil {
			return persistence.NotFoundError{Key: recipientId}
		}
		if !statusIn(recipient.Status, expected) {
			return persistence.ConditionFailedError{
				Expected: statusList(expected),
				Actual:   string(recipient.Status),
			}
		}
		applyUpdate(recipient, update)
		result = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (rs *redisSessionDao) UpdateSessionStatus(ctx context.Context, sessionId string, expected model.SessionStatus, next model.SessionStatus, recipientStatuses map[string]model.RecipientStatus) (*model.WorkflowSession, error) {
	var result *model.WorkflowSession
	err := rs.transition(ctx, sessionId, func(session *model.WorkflowSession) error {
		if session.Status != expected {
			return persistence.ConditionFailedError{
				Expected: string(expected),
				Actual:   string(session.Status),
			}
		}
		session.Status = next
		for id, status := range recipientStatuses {
			// A recipient that reached a terminal status since the caller
			// read the session keeps their record.
			if r := session.RecipientById(id); r != nil && !r.Status.IsTerminal() {
				r.Status = status
			}
		}
		result = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// transition runs apply against the stored session document under WATCH so
// the status check and the write commit as one atomic operation. Contention
// aborts the transaction and the whole read-check-write is retried.
func (rs *redisSessionDao) transition(ctx context.Context, sessionId string, apply func(*model.WorkflowSession) error) error {
	key := rs.sessionKey(sessionId)
	txn := func(tx *rd.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				return persistence.NotFoundError{Key: sessionId}
			}
			return persistence.StorageLayerError{Message: err.Error()}
		}
		session, err := rs.encoderDecoder.Decode([]byte(data))
		if err != nil {
			return err
		}
		prevStatus := session.Status
		if err := apply(session); err != nil {
			return err
		}
		session.UpdatedAt = time.Now()
		encoded, err := rs.encoderDecoder.Encode(*session)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			if session.Status != prevStatus {
				pipe.SMove(ctx, rs.statusKey(prevStatus), rs.statusKey(session.Status), sessionId)
			}
			return nil
		})
		return err
	}
	var err error
	for i := 0; i < casRetries; i++ {
		err = rs.redisClient.Watch(ctx, txn, key)
		if !errors.Is(err, rd.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, rd.TxFailedErr) {
		logger.Error("session transition lost optimistic lock", zap.String("sessionId", sessionId))
		return persistence.StorageLayerError{Message: "transaction contention"}
	}
	return err
}

func (rs *redisSessionDao) ScanByStatus(ctx context.Context, statuses []model.SessionStatus, batchSize int, fn func(*model.WorkflowSession) error) error {
	for _, status := range statuses {
		var cursor uint64
		for {
			ids, next, err := rs.redisClient.SScan(ctx, rs.statusKey(status), cursor, "", int64(batchSize)).Result()
			if err != nil {
				logger.Error("error scanning sessions", zap.String("status", string(status)), zap.Error(err))
				return persistence.StorageLayerError{Message: err.Error()}
			}
			for _, id := range ids {
				session, err := rs.getSession(ctx, id)
				if err != nil {
					logger.Error("error loading session during scan", zap.String("sessionId", id), zap.Error(err))
					continue
				}
				if err := fn(session); err != nil {
					logger.Error("scan callback failed for session", zap.String("sessionId", id), zap.Error(err))
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}

func statusIn(status model.RecipientStatus, set []model.RecipientStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func statusList(set []model.RecipientStatus) string {
	out := ""
	for i, s := range set {
		if i > 0 {
			out += "|"
		}
		out += string(s)
	}
	return out
}

func applyUpdate(recipient *model.Recipient, update persistence.RecipientUpdate) {
	if update.Status != "" {
		recipient.Status = update.Status
	}
	if update.FormData != nil {
		recipient.FormData = update.FormData
	}
	if update.NotifiedAt != nil {
		recipient.NotifiedAt = update.NotifiedAt
	}
	if update.AccessedAt != nil {
		recipient.AccessedAt = update.AccessedAt
	}
	if update.CompletedAt != nil {
		recipient.CompletedAt = update.CompletedAt
	}
	if update.ReminderCount != nil {
		recipient.ReminderCount = *update.ReminderCount
	}
}
