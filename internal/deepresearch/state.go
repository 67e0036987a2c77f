package deepresearch

import (
	"context"
	"fmt"
	"time"
)

// systemPrompt seeds every new conversation.
const systemPrompt = "You are Deep Research mode for SpacesAI. You work step-by-step: plan, retrieve, analyze, synthesize. Always ground answers in the user's knowledge base for this space. If something isn't in the KB, clearly say so."

// Message is one turn of conversation state.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type stateDoc struct {
	Messages []Message `json:"messages"`
}

// maxMemConversations caps the in-process fallback state so a long cache
// outage cannot grow the map without bound.
const maxMemConversations = 1024

type memState struct {
	doc     stateDoc
	savedAt time.Time
}

// stateKey namespaces conversation state per user and space so state can
// never leak across tenants. A nil space renders as 0, matching the
// revision key convention.
func stateKey(userID int64, spaceID *int64, conversationID string) string {
	var sid int64
	if spaceID != nil {
		sid = *spaceID
	}
	return fmt.Sprintf("dr:%d:%d:%s", userID, sid, conversationID)
}

func (o *Orchestrator) loadState(ctx context.Context, userID int64, spaceID *int64, conversationID string) stateDoc {
	key := stateKey(userID, spaceID, conversationID)
	var doc stateDoc
	if o.cache != nil && o.cache.GetJSON(ctx, key, &doc) {
		return doc
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if mem, ok := o.mem[key]; ok {
		return mem.doc
	}
	return stateDoc{}
}

// saveState writes through to the cache and always mirrors in process, so
// conversations survive a cache outage within a single instance.
func (o *Orchestrator) saveState(ctx context.Context, userID int64, spaceID *int64, conversationID string, doc stateDoc) {
	key := stateKey(userID, spaceID, conversationID)
	if o.cache != nil {
		ttl := o.cfg.SessionTTL
		if ttl <= 0 {
			ttl = 14 * 24 * time.Hour
		}
		if err := o.cache.SetJSON(ctx, key, doc, ttl); err != nil {
			o.log.Debug().Err(err).Msg("conversation state cache write failed")
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.mem[key]; !ok && len(o.mem) >= maxMemConversations {
		o.evictOldestState()
	}
	o.mem[key] = memState{doc: doc, savedAt: o.now()}
}

// evictOldestState drops the least recently saved conversation. Caller
// holds the lock.
func (o *Orchestrator) evictOldestState() {
	var oldestKey string
	var oldestAt time.Time
	for key, mem := range o.mem {
		if oldestKey == "" || mem.savedAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = mem.savedAt
		}
	}
	if oldestKey != "" {
		delete(o.mem, oldestKey)
	}
}

// trim keeps the most recent messages. The floor of 40 preserves enough
// history for short keep settings to still carry topic continuity.
func trimMessages(messages []Message, keep int) []Message {
	max := keep * 2
	if max < 40 {
		max = 40
	}
	if len(messages) > max {
		return messages[len(messages)-max:]
	}
	return messages
}
