package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"palaver/internal/auth"
	"palaver/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketOwners  = []byte("owners")
	bucketUsers   = []byte("users")
	bucketGroups  = []byte("groups")
	bucketHistory = []byte("history")
	bucketLogins  = []byte("logins")
	bucketTokens  = []byte("tokens")
	bucketPush    = []byte("push_subscriptions")
	bucketFiles   = []byte("files")
)

// HistoryEntry is one recorded user event with its per-contact sequence.
type HistoryEntry struct {
	Seq   uint64
	Event models.UserEvent
}

// HistoryStore keeps per-contact event history. Sequences start at 1 and
// only grow.
type HistoryStore interface {
	AppendHistory(user models.UserID, ue models.UserEvent) (uint64, error)
	ListHistory(user models.UserID, from, to uint64) ([]HistoryEntry, error)
}

type BboltStorage struct {
	db *bbolt.DB
}

var _ HistoryStore = (*BboltStorage)(nil)

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketOwners, bucketUsers, bucketGroups, bucketHistory, bucketLogins, bucketTokens, bucketPush, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func put(b *bbolt.Bucket, v Storeable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(v.Key(), data)
}

// UpsertOwner stores o. The password is written as given; callers seal it.
func (s *BboltStorage) UpsertOwner(o models.Owner) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbOwner := &DBOwner{
			Contact:       contactFromUser(o.User),
			Password:      o.Password,
			DesiredStatus: uint32(o.DesiredStatus),
			Servers:       o.Servers,
		}
		return put(tx.Bucket(bucketOwners), dbOwner)
	})
}

func (s *BboltStorage) DeleteOwner(p models.ProtocolID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOwners).Delete([]byte(p))
	})
}

func (s *BboltStorage) ListOwners() ([]models.Owner, error) {
	var owners []models.Owner
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOwners).ForEach(func(k, v []byte) error {
			var dbOwner DBOwner
			if err := dbOwner.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal owner %s: %w", k, err)
			}
			u, err := dbOwner.Contact.user()
			if err != nil {
				return err
			}
			owners = append(owners, models.Owner{
				User:          u,
				Password:      dbOwner.Password,
				DesiredStatus: models.Status(dbOwner.DesiredStatus),
				Servers:       dbOwner.Servers,
			})
			return nil
		})
	})
	return owners, err
}

func (s *BboltStorage) UpsertUser(u models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		c := contactFromUser(u)
		return put(tx.Bucket(bucketUsers), &c)
	})
}

// DeleteUser removes the contact and its history.
func (s *BboltStorage) DeleteUser(id models.UserID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := []byte(id.Key())
		if err := tx.Bucket(bucketUsers).Delete(key); err != nil {
			return err
		}
		err := tx.Bucket(bucketHistory).DeleteBucket(key)
		if err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("failed to delete history: %w", err)
		}
		return nil
	})
}

func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var c DBContact
			if err := c.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("failed to unmarshal contact %s: %w", k, err)
			}
			u, err := c.user()
			if err != nil {
				return err
			}
			users = append(users, u)
			return nil
		})
	})
	return users, err
}

// SaveGroups replaces the stored group list.
func (s *BboltStorage) SaveGroups(groups []models.Group) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketGroups); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketGroups)
		if err != nil {
			return err
		}
		for _, g := range groups {
			dbGroup := &DBGroup{ID: g.ID, Name: g.Name, SortIndex: g.SortIndex}
			if len(g.ServerIDs) > 0 {
				dbGroup.ServerIDs = make(map[string]int, len(g.ServerIDs))
				for p, id := range g.ServerIDs {
					dbGroup.ServerIDs[string(p)] = id
				}
			}
			if err := put(b, dbGroup); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BboltStorage) ListGroups() ([]models.Group, error) {
	var groups []models.Group
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var dbGroup DBGroup
			if err := dbGroup.UnmarshalBinary(v); err != nil {
				return err
			}
			g := models.Group{ID: dbGroup.ID, Name: dbGroup.Name, SortIndex: dbGroup.SortIndex}
			if len(dbGroup.ServerIDs) > 0 {
				g.ServerIDs = make(map[models.ProtocolID]int, len(dbGroup.ServerIDs))
				for p, id := range dbGroup.ServerIDs {
					g.ServerIDs[models.ProtocolID(p)] = id
				}
			}
			groups = append(groups, g)
			return nil
		})
	})
	return groups, err
}

// AppendHistory adds ue to the contact's history sub-bucket and returns its
// sequence.
func (s *BboltStorage) AppendHistory(user models.UserID, ue models.UserEvent) (uint64, error) {
	var seq uint64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketHistory).CreateBucketIfNotExists([]byte(user.Key()))
		if err != nil {
			return fmt.Errorf("failed to create history bucket: %w", err)
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		return put(b, &DBHistory{Seq: seq, Event: ue.Flatten()})
	})
	return seq, err
}

// ListHistory returns entries with from <= seq <= to. A zero to means no
// upper bound.
func (s *BboltStorage) ListHistory(user models.UserID, from, to uint64) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHistory).Bucket([]byte(user.Key()))
		if b == nil {
			return nil
		}

		c := b.Cursor()
		maxKey := seqKey(to)
		for k, v := c.Seek(seqKey(from)); k != nil && (to == 0 || bytes.Compare(k, maxKey) <= 0); k, v = c.Next() {
			var h DBHistory
			if err := h.UnmarshalBinary(v); err != nil {
				return err
			}
			ue, err := h.Event.Unflatten()
			if err != nil {
				return err
			}
			entries = append(entries, HistoryEntry{Seq: h.Seq, Event: ue})
		}
		return nil
	})
	return entries, err
}

func (s *BboltStorage) UpsertCredentials(c auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketLogins), &DBLogin{
			ID:           c.UserID,
			UserName:     c.Username,
			PasswordHash: c.PasswordHash,
		})
	})
}

func (s *BboltStorage) ListCredentials() ([]auth.UserCredentials, error) {
	var credentials []auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLogins).ForEach(func(k, v []byte) error {
			var l DBLogin
			if err := l.UnmarshalBinary(v); err != nil {
				return err
			}
			credentials = append(credentials, auth.UserCredentials{
				UserID:       l.ID,
				Username:     l.UserName,
				PasswordHash: l.PasswordHash,
			})
			return nil
		})
	})
	return credentials, err
}

func (s *BboltStorage) UpsertToken(userID string, tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketTokens), &DBToken{UserID: userID, Token: tokenHash})
	})
}

func (s *BboltStorage) DeleteToken(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).Delete([]byte(tokenHash))
	})
}

// ListTokens maps token hashes to login ids.
func (s *BboltStorage) ListTokens() (map[string]string, error) {
	tokens := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(k, v []byte) error {
			var dbToken DBToken
			if err := dbToken.UnmarshalBinary(v); err != nil {
				return err
			}
			tokens[dbToken.Token] = dbToken.UserID
			return nil
		})
	})
	return tokens, err
}

func (s *BboltStorage) UpsertPushSubscription(sub PushSubscription) error {
	if sub.Endpoint == "" {
		return errors.New("push subscription missing endpoint")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx.Bucket(bucketPush), &sub)
	})
}

func (s *BboltStorage) DeletePushSubscription(endpoint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPush).Delete([]byte(endpoint))
	})
}

func (s *BboltStorage) ListPushSubscriptions() ([]PushSubscription, error) {
	var subs []PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPush).ForEach(func(k, v []byte) error {
			var sub PushSubscription
			if err := sub.UnmarshalBinary(v); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}
