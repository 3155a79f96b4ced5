package haul

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	haulBucketName     = "hauls"
	scanBucketName     = "scans"
	userBucketName     = "users"
	usernameBucketName = "usernames"
)

// DB defines the interface for database operations.
// Hauls and scans are always addressed through their owner.
type DB interface {
	// CreateUser saves a new user, failing if the username is taken
	CreateUser(user *User) error

	// GetUserByUsername retrieves a user by username
	GetUserByUsername(username string) (*User, error)

	// SaveHaul recomputes the haul's aggregates and saves it in one transaction
	SaveHaul(haul *Haul) error

	// GetHaul retrieves an owner's haul by ID
	GetHaul(ownerID, id string) (*Haul, error)

	// ListHauls returns all hauls of an owner, newest first
	ListHauls(ownerID string) ([]*Haul, error)

	// DeleteHaul removes an owner's haul
	DeleteHaul(ownerID, id string) error

	// SaveScan saves a scan record
	SaveScan(scan *Scan) error

	// GetScan retrieves an owner's scan by ID
	GetScan(ownerID, id string) (*Scan, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB.
// Hauls and scans live in one nested bucket per owner.
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{haulBucketName, scanBucketName, userBucketName, usernameBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// CreateUser saves a new user and claims its username
func (b *BoltDB) CreateUser(user *User) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		usernames := tx.Bucket([]byte(usernameBucketName))
		if usernames.Get([]byte(user.Username)) != nil {
			return ErrUserExists
		}

		data, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("marshaling user: %w", err)
		}
		if err := tx.Bucket([]byte(userBucketName)).Put([]byte(user.ID), data); err != nil {
			return err
		}
		return usernames.Put([]byte(user.Username), []byte(user.ID))
	})
}

// GetUserByUsername retrieves a user by username
func (b *BoltDB) GetUserByUsername(username string) (*User, error) {
	var user *User
	err := b.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket([]byte(usernameBucketName)).Get([]byte(username))
		if id == nil {
			return fmt.Errorf("user %s: %w", username, ErrNotFound)
		}
		data := tx.Bucket([]byte(userBucketName)).Get(id)
		if data == nil {
			return fmt.Errorf("user %s: %w", username, ErrNotFound)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SaveHaul recomputes the aggregates and stores the haul in the same write
// transaction, so readers never see items without matching totals
func (b *BoltDB) SaveHaul(haul *Haul) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(haulBucketName)).CreateBucketIfNotExists([]byte(haul.OwnerID))
		if err != nil {
			return fmt.Errorf("creating owner bucket: %w", err)
		}

		haul.recompute()
		data, err := json.Marshal(haul)
		if err != nil {
			return fmt.Errorf("marshaling haul: %w", err)
		}
		return bucket.Put([]byte(haul.ID), data)
	})
}

// GetHaul retrieves an owner's haul by ID
func (b *BoltDB) GetHaul(ownerID, id string) (*Haul, error) {
	var haul *Haul
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := get(tx, haulBucketName, ownerID, id)
		if data == nil {
			return fmt.Errorf("haul %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &haul)
	})
	if err != nil {
		return nil, err
	}
	return haul, nil
}

// ListHauls returns all hauls of an owner, newest first
func (b *BoltDB) ListHauls(ownerID string) ([]*Haul, error) {
	hauls := make([]*Haul, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(haulBucketName)).Bucket([]byte(ownerID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var haul Haul
			if err := json.Unmarshal(v, &haul); err != nil {
				return fmt.Errorf("unmarshaling haul: %w", err)
			}
			hauls = append(hauls, &haul)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hauls, func(i, j int) bool {
		return hauls[i].CreatedAt.After(hauls[j].CreatedAt)
	})
	return hauls, nil
}

// DeleteHaul removes an owner's haul
func (b *BoltDB) DeleteHaul(ownerID, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(haulBucketName)).Bucket([]byte(ownerID))
		if bucket == nil || bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("haul %s: %w", id, ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}

// SaveScan saves a scan record
func (b *BoltDB) SaveScan(scan *Scan) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.Bucket([]byte(scanBucketName)).CreateBucketIfNotExists([]byte(scan.OwnerID))
		if err != nil {
			return fmt.Errorf("creating owner bucket: %w", err)
		}
		data, err := json.Marshal(scan)
		if err != nil {
			return fmt.Errorf("marshaling scan: %w", err)
		}
		return bucket.Put([]byte(scan.ID), data)
	})
}

// GetScan retrieves an owner's scan by ID
func (b *BoltDB) GetScan(ownerID, id string) (*Scan, error) {
	var scan *Scan
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := get(tx, scanBucketName, ownerID, id)
		if data == nil {
			return fmt.Errorf("scan %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &scan)
	})
	if err != nil {
		return nil, err
	}
	return scan, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// get reads key from the owner's nested bucket, returning nil when either is missing
func get(tx *bbolt.Tx, bucketName, ownerID, key string) []byte {
	if ownerID == "" {
		return nil
	}
	bucket := tx.Bucket([]byte(bucketName)).Bucket([]byte(ownerID))
	if bucket == nil {
		return nil
	}
	return bucket.Get([]byte(key))
}
