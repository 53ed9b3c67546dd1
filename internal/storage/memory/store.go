// Package memory is an in-memory implementation of the storage interface,
// used by tests and for running without Postgres.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"bhr/internal/models"
	"bhr/internal/storage"
)

type Store struct {
	mu sync.RWMutex

	blocks        map[string]*models.Block                         // key: id
	confirmations map[string]map[string]*models.AgentConfirmation // key: blockID, ident
	whitelist     map[string]*models.WhitelistEntry               // key: id
	operators     map[string]*models.Operator                     // key: username
	tokens        map[int64]*models.APIToken                      // key: id
	nextTokenID   int64
	audit         []*models.AuditLog
	nextAuditID   int64
}

func New() *Store {
	return &Store{
		blocks:        make(map[string]*models.Block),
		confirmations: make(map[string]map[string]*models.AgentConfirmation),
		whitelist:     make(map[string]*models.WhitelistEntry),
		operators:     make(map[string]*models.Operator),
		tokens:        make(map[int64]*models.APIToken),
	}
}

func (s *Store) Close() error { return nil }

func live(b *models.Block, now time.Time) bool {
	return b.Active && !b.Expired(now)
}

func copyBlock(b *models.Block) *models.Block {
	c := *b
	return &c
}

func (s *Store) CreateBlock(ctx context.Context, block *models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, b := range s.blocks {
		if b.CIDR == block.CIDR && live(b, now) {
			return storage.ErrConflict
		}
	}
	s.blocks[block.ID] = copyBlock(block)
	return nil
}

func (s *Store) GetBlock(ctx context.Context, id string) (*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.blocks[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyBlock(b), nil
}

func (s *Store) GetBlockByCIDR(ctx context.Context, cidr string) (*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.Block
	for _, b := range s.blocks {
		if b.CIDR != cidr {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	return copyBlock(latest), nil
}

func (s *Store) GetActiveBlockByCIDR(ctx context.Context, cidr string) (*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	for _, b := range s.blocks {
		if b.CIDR == cidr && live(b, now) {
			return copyBlock(b), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) DeactivateBlock(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blocks[id]
	if !ok {
		return storage.ErrNotFound
	}
	b.Active = false
	return nil
}

func (s *Store) ExpireDue(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for _, b := range s.blocks {
		if b.Active && b.Expired(now) {
			b.Active = false
			ids = append(ids, b.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) UpsertConfirmation(ctx context.Context, blockID, ident string, confirmedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blocks[blockID]; !ok {
		return storage.ErrNotFound
	}
	byIdent, ok := s.confirmations[blockID]
	if !ok {
		byIdent = make(map[string]*models.AgentConfirmation)
		s.confirmations[blockID] = byIdent
	}
	ts := confirmedAt
	byIdent[ident] = &models.AgentConfirmation{BlockID: blockID, Ident: ident, ConfirmedAt: &ts}
	return nil
}

func (s *Store) ClearConfirmation(ctx context.Context, blockID, ident string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.confirmations[blockID][ident]; ok {
		c.ConfirmedAt = nil
	}
	return nil
}

func (s *Store) ListConfirmations(ctx context.Context, blockID string) ([]*models.AgentConfirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AgentConfirmation
	for _, c := range s.confirmations[blockID] {
		cc := *c
		if c.ConfirmedAt != nil {
			ts := *c.ConfirmedAt
			cc.ConfirmedAt = &ts
		}
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ident < out[j].Ident })
	return out, nil
}

// confirmedBy reports whether any (or a specific) agent has a set
// confirmation for the block. Callers hold the lock.
func (s *Store) confirmedBy(blockID, ident string) bool {
	for id, c := range s.confirmations[blockID] {
		if c.ConfirmedAt == nil {
			continue
		}
		if ident == "" || id == ident {
			return true
		}
	}
	return false
}

func (s *Store) listLive(filter func(b *models.Block) bool) []*models.Block {
	now := time.Now().UTC()
	var out []*models.Block
	for _, b := range s.blocks {
		if live(b, now) && filter(b) {
			out = append(out, copyBlock(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) Pending(ctx context.Context) ([]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLive(func(b *models.Block) bool { return !s.confirmedBy(b.ID, "") }), nil
}

func (s *Store) Current(ctx context.Context) ([]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLive(func(b *models.Block) bool { return s.confirmedBy(b.ID, "") }), nil
}

func (s *Store) Expected(ctx context.Context) ([]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLive(func(b *models.Block) bool { return true }), nil
}

func (s *Store) Queue(ctx context.Context, ident string) ([]*models.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLive(func(b *models.Block) bool { return !s.confirmedBy(b.ID, ident) }), nil
}

func (s *Store) CreateWhitelistEntry(ctx context.Context, entry *models.WhitelistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	s.whitelist[entry.ID] = &e
	return nil
}

func (s *Store) ListWhitelistEntries(ctx context.Context) ([]*models.WhitelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.WhitelistEntry
	for _, e := range s.whitelist {
		ee := *e
		out = append(out, &ee)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteWhitelistEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.whitelist[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.whitelist, id)
	return nil
}

func (s *Store) CreateOperator(ctx context.Context, op *models.Operator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := *op
	s.operators[op.Username] = &o
	return nil
}

func (s *Store) GetOperator(ctx context.Context, username string) (*models.Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operators[username]
	if !ok {
		return nil, storage.ErrNotFound
	}
	o := *op
	return &o, nil
}

func (s *Store) CreateAPIToken(ctx context.Context, token *models.APIToken) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTokenID++
	t := *token
	t.ID = s.nextTokenID
	s.tokens[t.ID] = &t
	return t.ID, nil
}

func (s *Store) GetAPITokenByHash(ctx context.Context, hash string) (*models.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tokens {
		if t.TokenHash == hash {
			tt := *t
			return &tt, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *Store) ListAPITokens(ctx context.Context, username string) ([]*models.APIToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.APIToken
	for _, t := range s.tokens {
		if strings.EqualFold(t.Username, username) {
			tt := *t
			out = append(out, &tt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteAPIToken(ctx context.Context, id int64, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok || !strings.EqualFold(t.Username, username) {
		return storage.ErrNotFound
	}
	delete(s.tokens, id)
	return nil
}

func (s *Store) UpdateTokenLastUsed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tokens[id]; ok {
		now := time.Now().UTC()
		t.LastUsed = &now
	}
	return nil
}

func (s *Store) LogAction(ctx context.Context, actor, action, target, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAuditID++
	s.audit = append(s.audit, &models.AuditLog{
		ID:        s.nextAuditID,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Action:    action,
		Target:    target,
		Reason:    reason,
	})
	return nil
}

func (s *Store) GetAuditLogs(ctx context.Context, limit int) ([]*models.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AuditLog, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		l := *s.audit[i]
		out = append(out, &l)
	}
	return out, nil
}
