// Package storetest provides an in-memory billing store for tests. It keeps
// the conditional-update semantics of the Postgres store so the billing
// cycle can run end to end without a database. Only _test.go files import it.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PortNumber53/billing-engine/internal/models"
	"github.com/PortNumber53/billing-engine/internal/store"
)

type Store struct {
	// Now stamps created_at and updated_at. Defaults to time.Now.
	Now func() time.Time
	// AppendErr, when set, is returned by AppendPaymentLog instead of writing.
	AppendErr error

	mu       sync.Mutex
	nextID   int64
	users    map[int64]*models.User
	subs     map[int64]*models.Subscription
	keys     map[int64]*models.BillingKey
	logs     []models.PaymentLogEntry
	orderIDs map[string]bool
}

func New() *Store {
	return &Store{
		Now:      time.Now,
		users:    map[int64]*models.User{},
		subs:     map[int64]*models.Subscription{},
		keys:     map[int64]*models.BillingKey{},
		orderIDs: map[string]bool{},
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// AddUser seeds a user and returns its id when u.ID is zero.
func (s *Store) AddUser(u models.User) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		u.ID = s.id()
	}
	if u.Grade == "" {
		u.Grade = models.PlanBasic
	}
	s.users[u.ID] = &u
	return u.ID
}

// AddSubscription seeds a subscription row.
func (s *Store) AddSubscription(sub models.Subscription) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.ID == 0 {
		sub.ID = s.id()
	}
	now := s.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = now
	}
	s.subs[sub.ID] = &sub
	return sub.ID
}

// AddBillingKey seeds a billing key row.
func (s *Store) AddBillingKey(key models.BillingKey) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.ID == 0 {
		key.ID = s.id()
	}
	if key.Status == "" {
		key.Status = models.BillingKeyActive
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.Now()
	}
	s.keys[key.ID] = &key
	return key.ID
}

// Subscription returns a copy of the row with the given id.
func (s *Store) Subscription(id int64) models.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		return *sub
	}
	return models.Subscription{}
}

// User returns a copy of the user with the given id.
func (s *Store) User(id int64) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		return *u
	}
	return models.User{}
}

// BillingKey returns a copy of the key with the given id.
func (s *Store) BillingKey(id int64) models.BillingKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		return *k
	}
	return models.BillingKey{}
}

// PaymentLogs returns the user's attempts in insertion order.
func (s *Store) PaymentLogs(userID int64) []models.PaymentLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentLogEntry
	for _, e := range s.logs {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

// SetSubscriptionStatus forces a status change without the usual guards,
// simulating an administrative edit.
func (s *Store) SetSubscriptionStatus(id int64, status models.SubscriptionStatus, updatedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		sub.Status = status
		sub.UpdatedAt = updatedAt
	}
}

// SetUserGrade overwrites the user's grade, simulating an earlier demotion.
func (s *Store) SetUserGrade(id int64, grade models.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.Grade = grade
	}
}

func (s *Store) ListDueSubscriptions(_ context.Context, now time.Time, limit int) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.Subscription
	for _, sub := range s.subs {
		if sub.Status == models.SubscriptionActive && sub.PlanType != models.PlanBasic && !sub.NextBillingDate.After(now) {
			due = append(due, *sub)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextBillingDate.Equal(due[j].NextBillingDate) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextBillingDate.Before(due[j].NextBillingDate)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) GetCurrentSubscription(_ context.Context, userID int64) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *models.Subscription
	for _, sub := range s.subs {
		if sub.UserID == userID && (latest == nil || sub.ID > latest.ID) {
			latest = sub
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) AdvanceNextBillingDate(_ context.Context, id int64, expected, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok || !sub.NextBillingDate.Equal(expected) || !next.After(sub.NextBillingDate) {
		return false, nil
	}
	if sub.Status != models.SubscriptionActive && sub.Status != models.SubscriptionCancelled {
		return false, nil
	}
	sub.NextBillingDate = next
	sub.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) SuspendSubscription(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[id]
	if !ok || sub.Status != models.SubscriptionActive {
		return false, nil
	}
	sub.Status = models.SubscriptionSuspended
	sub.UpdatedAt = s.Now()
	return true, nil
}

func (s *Store) CancelSubscription(_ context.Context, userID int64) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status == models.SubscriptionActive {
			sub.Status = models.SubscriptionCancelled
			sub.UpdatedAt = s.Now()
			for _, key := range s.keys {
				if key.UserID == userID {
					key.Status = models.BillingKeyInactive
				}
			}
			cp := *sub
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ExpireCancelledSubscriptions(_ context.Context, now time.Time) (int64, error) {
	return s.expireWhere(func(sub *models.Subscription) bool {
		return sub.Status == models.SubscriptionCancelled && sub.NextBillingDate.Before(now)
	}), nil
}

func (s *Store) ExpireSuspendedSubscriptions(_ context.Context, cutoff time.Time) (int64, error) {
	return s.expireWhere(func(sub *models.Subscription) bool {
		return sub.Status == models.SubscriptionSuspended && sub.UpdatedAt.Before(cutoff)
	}), nil
}

func (s *Store) expireWhere(match func(*models.Subscription) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, sub := range s.subs {
		if match(sub) {
			sub.Status = models.SubscriptionExpired
			sub.UpdatedAt = s.Now()
			n++
		}
	}
	return n
}

func (s *Store) GetActiveBillingKey(_ context.Context, userID int64) (*models.BillingKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.keys {
		if key.UserID == userID && key.Status == models.BillingKeyActive {
			cp := *key
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListBillingKeys(_ context.Context, userID int64) ([]models.BillingKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := []models.BillingKey{}
	for _, key := range s.keys {
		if key.UserID == userID && key.Status == models.BillingKeyActive {
			keys = append(keys, *key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID > keys[j].ID })
	return keys, nil
}

func (s *Store) DeactivateBillingKey(_ context.Context, userID, keyID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[keyID]
	if !ok || key.UserID != userID || key.Status != models.BillingKeyActive {
		return false, nil
	}
	key.Status = models.BillingKeyInactive
	return true, nil
}

func (s *Store) SaveRegistration(_ context.Context, key *models.BillingKey, sub *models.Subscription) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.keys {
		if existing.UserID == key.UserID {
			existing.Status = models.BillingKeyInactive
		}
	}
	key.ID = s.id()
	key.Status = models.BillingKeyActive
	key.CreatedAt = s.Now()
	stored := *key
	s.keys[key.ID] = &stored

	for _, existing := range s.subs {
		if existing.UserID == key.UserID && existing.Status == models.SubscriptionActive {
			*sub = *existing
			return false, nil
		}
	}

	sub.ID = s.id()
	sub.UserID = key.UserID
	sub.Status = models.SubscriptionActive
	sub.CreatedAt = s.Now()
	sub.UpdatedAt = sub.CreatedAt
	row := *sub
	s.subs[sub.ID] = &row
	return true, nil
}

func (s *Store) AppendPaymentLog(_ context.Context, entry *models.PaymentLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.AppendErr != nil {
		return s.AppendErr
	}
	if s.orderIDs[entry.OrderID] {
		return store.ErrConflict
	}
	entry.ID = s.id()
	entry.CreatedAt = s.Now()
	s.orderIDs[entry.OrderID] = true
	s.logs = append(s.logs, *entry)
	return nil
}

func (s *Store) CountFailedPaymentsSince(_ context.Context, userID int64, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, e := range s.logs {
		if e.UserID == userID && e.Status == models.PaymentFailed && !e.CreatedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListPaymentLogs(_ context.Context, userID int64, limit, offset int) ([]models.PaymentLogEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []models.PaymentLogEntry
	for i := len(s.logs) - 1; i >= 0; i-- {
		if s.logs[i].UserID == userID {
			all = append(all, s.logs[i])
		}
	}
	total := len(all)
	if offset >= total {
		return []models.PaymentLogEntry{}, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (s *Store) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) ActivateMembership(_ context.Context, userID int64, plan models.Plan, start, end time.Time) error {
	return s.updateUser(userID, func(u *models.User) {
		u.Grade = plan
		u.MembershipStatus = models.MembershipActive
		u.MembershipStartDate = &start
		u.MembershipEndDate = &end
	})
}

func (s *Store) ExtendMembership(_ context.Context, userID int64, plan models.Plan, end time.Time) error {
	return s.updateUser(userID, func(u *models.User) {
		u.Grade = plan
		u.MembershipEndDate = &end
		if u.MembershipStatus != models.MembershipCancelled {
			u.MembershipStatus = models.MembershipActive
		}
	})
}

func (s *Store) ExpireMembership(_ context.Context, userID int64) error {
	return s.updateUser(userID, func(u *models.User) {
		u.MembershipStatus = models.MembershipExpired
	})
}

func (s *Store) CancelMembership(_ context.Context, userID int64) error {
	err := s.updateUser(userID, func(u *models.User) {
		if u.MembershipStatus == models.MembershipActive {
			u.MembershipStatus = models.MembershipCancelled
		}
	})
	if err == store.ErrNotFound {
		return nil
	}
	return err
}

func (s *Store) DowngradeLapsedMemberships(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, u := range s.users {
		if u.Grade == models.PlanBasic || u.MembershipEndDate == nil || !u.MembershipEndDate.Before(now) {
			continue
		}
		if s.hasSubscriptionIn(u.ID, models.SubscriptionActive) {
			continue
		}
		if u.MembershipStatus == models.MembershipActive || u.MembershipStatus == models.MembershipCancelled {
			u.Grade = models.PlanBasic
			u.MembershipStatus = models.MembershipExpired
			n++
		}
	}
	return n, nil
}

func (s *Store) DowngradeExpiredMemberships(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, u := range s.users {
		if u.Grade == models.PlanBasic || u.MembershipStatus != models.MembershipExpired {
			continue
		}
		live := false
		for _, sub := range s.subs {
			if sub.UserID == u.ID && sub.Status != models.SubscriptionExpired {
				live = true
				break
			}
		}
		if !live {
			u.Grade = models.PlanBasic
			n++
		}
	}
	return n, nil
}

func (s *Store) hasSubscriptionIn(userID int64, status models.SubscriptionStatus) bool {
	for _, sub := range s.subs {
		if sub.UserID == userID && sub.Status == status {
			return true
		}
	}
	return false
}

func (s *Store) updateUser(id int64, fn func(*models.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(u)
	return nil
}
