// Package cache is a best-effort read accelerator keyed by session id. It is
// never authoritative: write paths always re-check the repository.
package cache

import (
	"time"

	"github.com/docrelay/docrelay/model"
	c "github.com/patrickmn/go-cache"
)

const defaultTTL = 15 * time.Minute

type SessionCache struct {
	cache *c.Cache
}

func NewSessionCache() *SessionCache {
	return &SessionCache{
		cache: c.New(defaultTTL, 10*time.Minute),
	}
}

func (ch *SessionCache) Put(session *model.WorkflowSession) {
	ch.cache.Set(session.Id, session.Clone(), c.DefaultExpiration)
}

func (ch *SessionCache) Get(sessionId string) (*model.WorkflowSession, bool) {
	val, found := ch.cache.Get(sessionId)
	if !found {
		return nil, false
	}
	session, ok := val.(*model.WorkflowSession)
	if !ok {
		return nil, false
	}
	return session.Clone(), true
}

func (ch *SessionCache) Invalidate(sessionId string) {
	ch.cache.Delete(sessionId)
}
