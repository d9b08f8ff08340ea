// Package memory persists exchanged messages and assembles bounded,
// relevance-ranked conversation context from them.
package memory

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/chatterbox/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is a message to append to the store.
type Entry struct {
	ScopeID     string
	IdentityID  string
	Content     string
	Role        string // models.RoleUser or models.RoleAgent
	ExternalID  string // empty when the platform id is unknown
	Attachments []models.Attachment
}

// Cursor marks a position in (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        uint
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB  *gorm.DB
	Now func() time.Time // defaults to time.Now
}

// Store is the append-only message log.
type Store struct {
	db  *gorm.DB
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("memory: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: opts.DB, now: now}, nil
}

// stamp returns a UTC write timestamp strictly after every previous one
// issued by this store.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// Append inserts a new record. A record whose external id already exists is
// skipped without error, since platforms may deliver an event more than once.
func (s *Store) Append(ctx context.Context, e Entry) error {
	rec := models.MessageRecord{
		ScopeID:    e.ScopeID,
		IdentityID: e.IdentityID,
		Content:    e.Content,
		SearchText: strings.ToLower(e.Content),
		Role:       e.Role,
		CreatedAt:  s.stamp(),
	}
	if e.ExternalID != "" {
		id := e.ExternalID
		rec.ExternalID = &id
	}
	rec.SetAttachments(e.Attachments)

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rec)
	if res.Error != nil {
		return fmt.Errorf("memory: append: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		log.Printf("memory: append: external id %s already stored, skipped", e.ExternalID)
	}
	return nil
}

// EditByExternalID replaces the content of the record with the given
// external id and refreshes its timestamp. Unknown ids are a no-op.
func (s *Store) EditByExternalID(ctx context.Context, externalID, content string) error {
	if externalID == "" {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&models.MessageRecord{}).
		Where("external_id = ?", externalID).
		Updates(map[string]interface{}{
			"content":     content,
			"search_text": strings.ToLower(content),
			"created_at":  s.stamp(),
		})
	if res.Error != nil {
		return fmt.Errorf("memory: edit %s: %w", externalID, res.Error)
	}
	return nil
}

// Recent returns up to limit of the newest records for (scope, identity),
// oldest first.
func (s *Store) Recent(ctx context.Context, scopeID, identityID string, limit int) ([]models.MessageRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var recs []models.MessageRecord
	err := s.db.WithContext(ctx).
		Where("scope_id = ? AND identity_id = ?", scopeID, identityID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("memory: recent %s/%s: %w", scopeID, identityID, err)
	}
	reverse(recs)
	return recs, nil
}

// Search returns up to limit records for (scope, identity) older than
// before that mention any keyword. Candidates are the pool most recent
// matches; they are ranked by Score, then recency, and returned oldest first.
func (s *Store) Search(ctx context.Context, scopeID, identityID string, keywords []string, before *Cursor, pool, limit int) ([]models.MessageRecord, error) {
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}
	q := s.db.WithContext(ctx).Where("scope_id = ? AND identity_id = ?", scopeID, identityID)
	if before != nil {
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", before.CreatedAt, before.CreatedAt, before.ID)
	}
	likes := make([]string, len(keywords))
	args := make([]interface{}, len(keywords))
	for i, kw := range keywords {
		likes[i] = "search_text LIKE ?"
		args[i] = "%" + strings.ToLower(kw) + "%"
	}
	q = q.Where("("+strings.Join(likes, " OR ")+")", args...)

	var cands []models.MessageRecord
	if err := q.Order("created_at DESC, id DESC").Limit(pool).Find(&cands).Error; err != nil {
		return nil, fmt.Errorf("memory: search %s/%s: %w", scopeID, identityID, err)
	}

	type scored struct {
		rec   models.MessageRecord
		score int
	}
	ranked := make([]scored, 0, len(cands))
	for _, c := range cands {
		if sc := Score(c.Content, keywords); sc > 0 {
			ranked = append(ranked, scored{c, sc})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return newer(ranked[i].rec, ranked[j].rec)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]models.MessageRecord, len(ranked))
	for i, r := range ranked {
		out[i] = r.rec
	}
	sortChronological(out)
	return out, nil
}

// CrossScope returns up to limit of the identity's newest records from
// scopes other than excludeScope, oldest first.
func (s *Store) CrossScope(ctx context.Context, identityID, excludeScope string, limit int) ([]models.MessageRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	var recs []models.MessageRecord
	err := s.db.WithContext(ctx).
		Where("identity_id = ? AND scope_id <> ?", identityID, excludeScope).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("memory: cross-scope %s: %w", identityID, err)
	}
	reverse(recs)
	return recs, nil
}

// newer reports whether a sorts after b in (created_at, id) order.
func newer(a, b models.MessageRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func sortChronological(recs []models.MessageRecord) {
	sort.SliceStable(recs, func(i, j int) bool { return newer(recs[j], recs[i]) })
}

func reverse(recs []models.MessageRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}
