package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring"
	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	journalDir  = ".bookkeeper"
	journalFile = "bitmaps.db"
)

var bitmapBucket = []byte("bitmaps")

// record is the persisted state of one cache entry.
type record struct {
	fileLength   int64
	lastModified int64
	present      *roaring.Bitmap
}

// Field numbers of the encoded record.
const (
	fieldFileLength   protowire.Number = 1
	fieldLastModified protowire.Number = 2
	fieldBitmap       protowire.Number = 3
)

func encodeRecord(r record) ([]byte, error) {
	bm, err := r.present.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize bitmap: %w", err)
	}

	b := make([]byte, 0, len(bm)+24)
	b = protowire.AppendTag(b, fieldFileLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.fileLength))
	b = protowire.AppendTag(b, fieldLastModified, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.lastModified))
	b = protowire.AppendTag(b, fieldBitmap, protowire.BytesType)
	b = protowire.AppendBytes(b, bm)
	return b, nil
}

func decodeRecord(b []byte) (record, error) {
	r := record{present: roaring.New()}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return r, protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == fieldFileLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.fileLength = int64(v)
			b = b[n:]
		case num == fieldLastModified && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			r.lastModified = int64(v)
			b = b[n:]
		case num == fieldBitmap && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			if err := r.present.UnmarshalBinary(v); err != nil {
				return r, fmt.Errorf("failed to parse bitmap: %w", err)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return r, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return r, nil
}

// journal persists block bitmaps of one disk, keyed by backend path.
type journal struct {
	db *bbolt.DB
}

func openJournal(diskDir string) (*journal, error) {
	dir := filepath.Join(diskDir, journalDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, journalFile), 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bitmapBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	return &journal{db: db}, nil
}

func (j *journal) get(path string) (record, bool, error) {
	var (
		r     record
		found bool
	)
	err := j.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bitmapBucket).Get([]byte(path))
		if v == nil {
			return nil
		}
		var err error
		r, err = decodeRecord(v)
		found = err == nil
		return err
	})
	return r, found, err
}

// put may be called concurrently for many entries; bbolt batches them into
// shared transactions.
func (j *journal) put(path string, r record) error {
	v, err := encodeRecord(r)
	if err != nil {
		return err
	}
	return j.db.Batch(func(tx *bbolt.Tx) error {
		return tx.Bucket(bitmapBucket).Put([]byte(path), v)
	})
}

func (j *journal) delete(path string) error {
	return j.db.Batch(func(tx *bbolt.Tx) error {
		return tx.Bucket(bitmapBucket).Delete([]byte(path))
	})
}

// forEach visits every record. Records that fail to decode are passed with
// a non-nil error.
func (j *journal) forEach(fn func(path string, r record, err error) error) error {
	return j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bitmapBucket).ForEach(func(k, v []byte) error {
			r, err := decodeRecord(v)
			return fn(string(k), r, err)
		})
	})
}

func (j *journal) close() error {
	return j.db.Close()
}
