// Package boltdbresumer provides a Resumer implementation that uses a
// Bolt database file as storage.
package boltdbresumer

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ashl1/libktorrent-stream/internal/resumer"
	"github.com/boltdb/bolt"
)

var (
	infoHashKey        = []byte("info_hash")
	destKey            = []byte("dest")
	nameKey            = []byte("name")
	infoKey            = []byte("info")
	bitfieldKey        = []byte("bitfield")
	bytesDownloadedKey = []byte("bytes_downloaded")
	bytesWastedKey     = []byte("bytes_wasted")
	createdAtKey       = []byte("created_at")
)

// Spec carries everything needed to restore a download.
type Spec struct {
	InfoHash        []byte
	Dest            string
	Name            string
	Info            []byte
	Bitfield        []byte
	BytesDownloaded int64
	BytesWasted     int64
	CreatedAt       time.Time
}

// Resumer keeps the spec of one torrent in a sub-bucket of a Bolt
// bucket.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
	key    []byte
}

var _ resumer.Resumer = (*Resumer)(nil)

// New returns a Resumer that stores under bucket/key, creating the
// buckets when missing.
func New(db *bolt.DB, bucket, key []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		_, err = b.CreateBucketIfNotExists(key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, bucket: bucket, key: key}, nil
}

// Write saves the spec. The counters are not written here, WriteStats
// stores them; an empty Info or Bitfield is skipped.
func (r *Resumer) Write(spec *Spec) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.key)
		if b == nil {
			return errors.New("resume bucket does not exist")
		}
		if err := b.Put(infoHashKey, spec.InfoHash); err != nil {
			return err
		}
		if err := b.Put(destKey, []byte(spec.Dest)); err != nil {
			return err
		}
		if err := b.Put(nameKey, []byte(spec.Name)); err != nil {
			return err
		}
		if len(spec.Info) > 0 {
			if err := b.Put(infoKey, spec.Info); err != nil {
				return err
			}
		}
		if len(spec.Bitfield) > 0 {
			if err := b.Put(bitfieldKey, spec.Bitfield); err != nil {
				return err
			}
		}
		created, err := spec.CreatedAt.MarshalText()
		if err != nil {
			return err
		}
		return b.Put(createdAtKey, created)
	})
}

// Read loads the spec back.
func (r *Resumer) Read() (*Spec, error) {
	spec := new(Spec)
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.key)
		if b == nil {
			return errors.New("resume bucket does not exist")
		}
		copyValue := func(key []byte) []byte {
			v := b.Get(key)
			if v == nil {
				return nil
			}
			c := make([]byte, len(v))
			copy(c, v)
			return c
		}
		spec.InfoHash = copyValue(infoHashKey)
		spec.Dest = string(b.Get(destKey))
		spec.Name = string(b.Get(nameKey))
		spec.Info = copyValue(infoKey)
		spec.Bitfield = copyValue(bitfieldKey)
		if v := b.Get(bytesDownloadedKey); v != nil {
			if err := json.Unmarshal(v, &spec.BytesDownloaded); err != nil {
				return err
			}
		}
		if v := b.Get(bytesWastedKey); v != nil {
			if err := json.Unmarshal(v, &spec.BytesWasted); err != nil {
				return err
			}
		}
		if v := b.Get(createdAtKey); v != nil {
			if err := spec.CreatedAt.UnmarshalText(v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

func (r *Resumer) put(key, value []byte) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.key)
		if b == nil {
			return errors.New("resume bucket does not exist")
		}
		return b.Put(key, value)
	})
}

// WriteInfo saves the raw info dictionary.
func (r *Resumer) WriteInfo(value []byte) error {
	return r.put(infoKey, value)
}

// WriteBitfield saves the have-bitfield.
func (r *Resumer) WriteBitfield(value []byte) error {
	return r.put(bitfieldKey, value)
}

// WriteStats saves the persisted counters.
func (r *Resumer) WriteStats(s resumer.Stats) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.key)
		if b == nil {
			return errors.New("resume bucket does not exist")
		}
		downloaded, err := json.Marshal(s.BytesDownloaded)
		if err != nil {
			return err
		}
		if err = b.Put(bytesDownloadedKey, downloaded); err != nil {
			return err
		}
		wasted, err := json.Marshal(s.BytesWasted)
		if err != nil {
			return err
		}
		return b.Put(bytesWastedKey, wasted)
	})
}
