package imagecache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var imagesBucket = []byte("images")

// CachedImage is the index record for one cached blob.
type CachedImage struct {
	ImageID        string    `json:"imageId"`
	SourceURL      string    `json:"sourceUrl"`
	BlobRef        string    `json:"blobRef"`
	ContentType    string    `json:"contentType,omitempty"`
	SizeBytes      int64     `json:"sizeBytes"`
	FetchedAt      time.Time `json:"fetchedAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
}

type index struct {
	db *bolt.DB
}

func openIndex(path string) (*index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure image index dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open image index: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(imagesBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init image index: %w", err)
	}
	return &index{db: db}, nil
}

// put writes records in a single transaction.
func (x *index) put(recs ...CachedImage) error {
	if len(recs) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(imagesBucket)
		for _, rec := range recs {
			value, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(rec.ImageID), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (x *index) delete(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return x.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(imagesBucket)
		for _, id := range ids {
			if err := bucket.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (x *index) get(id string) (CachedImage, bool, error) {
	var (
		rec   CachedImage
		found bool
	)
	err := x.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(imagesBucket).Get([]byte(id))
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, &rec)
	})
	return rec, found, err
}

// all returns every record. Undecodable records are reported by key so the
// caller can drop them.
func (x *index) all() ([]CachedImage, []string, error) {
	var (
		records []CachedImage
		broken  []string
	)
	err := x.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(imagesBucket).ForEach(func(key, value []byte) error {
			var rec CachedImage
			if err := json.Unmarshal(value, &rec); err != nil || rec.ImageID == "" {
				broken = append(broken, string(key))
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	return records, broken, err
}

func (x *index) close() error {
	return x.db.Close()
}
