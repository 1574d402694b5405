// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package bolt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/foonetic/serum-dex/dex"
	dexdb "github.com/foonetic/serum-dex/dex/db"
	"github.com/foonetic/serum-dex/dex/encode"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// Short names for some commonly used imported functions.
var (
	uint32Bytes = encode.Uint32Bytes
	uint64Bytes = encode.Uint64Bytes
	intCoder    = encode.KeyCoder
)

// Bolt works on []byte keys and values. These are some commonly used key and
// value encodings.
var (
	runsBucket     = []byte("runs")
	accountsBucket = []byte("accounts")
	statesBucket   = []byte("states")
	infoKey        = []byte("info")
	stampKey       = []byte("stamp")
	backupDir      = "backup"
)

// BoltDB is a bbolt-based run journal. BoltDB satisfies the db.DB interface.
type BoltDB struct {
	*bbolt.DB
	log dex.Logger
}

// Check that BoltDB satisfies the db.DB interface.
var _ dexdb.DB = (*BoltDB)(nil)

// NewDB is a constructor for a *BoltDB.
func NewDB(dbPath string, log dex.Logger) (*BoltDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("unable to create database directory: %w", err)
	}
	bdb, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}

	db := &BoltDB{DB: bdb, log: log}
	if err = db.makeTopLevelBuckets([][]byte{runsBucket}); err != nil {
		bdb.Close()
		return nil, err
	}
	return db, nil
}

// Run waits for context cancellation, backs up, and closes the database.
func (db *BoltDB) Run(ctx context.Context) {
	<-ctx.Done()
	if err := db.Backup(); err != nil {
		db.log.Errorf("unable to backup database: %v", err)
	}
	db.Close()
}

// NewRun saves a new run.
func (db *BoltDB) NewRun(info *dexdb.RunInfo) error {
	if info.ID == uuid.Nil {
		return fmt.Errorf("run has no ID")
	}
	infoB, err := dexdb.Encode(info)
	if err != nil {
		return err
	}
	return db.withBucket(runsBucket, db.Update, func(runs *bbolt.Bucket) error {
		if runs.Bucket(info.ID[:]) != nil {
			return fmt.Errorf("run %s already exists", info.ID)
		}
		rb, err := runs.CreateBucket(info.ID[:])
		if err != nil {
			return fmt.Errorf("error creating run bucket: %w", err)
		}
		if _, err = rb.CreateBucket(accountsBucket); err != nil {
			return err
		}
		if _, err = rb.CreateBucket(statesBucket); err != nil {
			return err
		}
		return newBucketPutter(rb).
			put(infoKey, infoB).
			put(stampKey, uint64Bytes(uint64(info.Started.UnixMilli()))).
			err()
	})
}

// UpdateRun overwrites the info of an existing run.
func (db *BoltDB) UpdateRun(info *dexdb.RunInfo) error {
	infoB, err := dexdb.Encode(info)
	if err != nil {
		return err
	}
	return db.withRun(info.ID, db.Update, func(rb *bbolt.Bucket) error {
		return rb.Put(infoKey, infoB)
	})
}

// RecordAccount saves an account keyed by its address.
func (db *BoltDB) RecordAccount(id uuid.UUID, rec *dexdb.AccountRecord) error {
	if rec.Address == "" {
		return fmt.Errorf("account record has no address")
	}
	recB, err := dexdb.Encode(rec)
	if err != nil {
		return err
	}
	return db.withRun(id, db.Update, func(rb *bbolt.Bucket) error {
		return rb.Bucket(accountsBucket).Put([]byte(rec.Address), recB)
	})
}

// RecordState appends a state, keyed by its sequence number within the run.
func (db *BoltDB) RecordState(id uuid.UUID, rec *dexdb.StateRecord) error {
	recB, err := dexdb.Encode(rec)
	if err != nil {
		return err
	}
	return db.withRun(id, db.Update, func(rb *bbolt.Bucket) error {
		states := rb.Bucket(statesBucket)
		seq, err := states.NextSequence()
		if err != nil {
			return err
		}
		return states.Put(uint32Bytes(uint32(seq)), recB)
	})
}

// Runs retrieves the info of the newest n runs, newest first. n = 0 applies
// no limit.
func (db *BoltDB) Runs(n int) ([]*dexdb.RunInfo, error) {
	var infos []*dexdb.RunInfo
	return infos, db.withBucket(runsBucket, db.View, func(runs *bbolt.Bucket) error {
		idx := newTimeIndexNewest(n)
		err := runs.ForEach(func(k, _ []byte) error {
			rb := runs.Bucket(k)
			if rb == nil {
				return nil
			}
			stampB := rb.Get(stampKey)
			if len(stampB) != 8 {
				return fmt.Errorf("run %x has no stamp", k)
			}
			idx.add(intCoder.Uint64(stampB), k)
			return nil
		})
		if err != nil {
			return err
		}
		for _, pair := range idx.pairs {
			info, err := decodeInfo(runs.Bucket(pair.k))
			if err != nil {
				return err
			}
			infos = append(infos, info)
		}
		return nil
	})
}

// LoadRun retrieves a run with its accounts, in creation order, and its states.
func (db *BoltDB) LoadRun(id uuid.UUID) (*dexdb.Run, error) {
	run := new(dexdb.Run)
	return run, db.withRun(id, db.View, func(rb *bbolt.Bucket) error {
		var err error
		if run.Info, err = decodeInfo(rb); err != nil {
			return err
		}
		err = rb.Bucket(accountsBucket).ForEach(func(_, v []byte) error {
			rec := new(dexdb.AccountRecord)
			if err := dexdb.Decode(v, rec); err != nil {
				return err
			}
			run.Accounts = append(run.Accounts, rec)
			return nil
		})
		if err != nil {
			return fmt.Errorf("error reading accounts of run %s: %w", id, err)
		}
		sort.SliceStable(run.Accounts, func(i, j int) bool {
			return run.Accounts[i].Stamp.Before(run.Accounts[j].Stamp)
		})
		// States are keyed by sequence, so the cursor order is the order they
		// were reached.
		return rb.Bucket(statesBucket).ForEach(func(_, v []byte) error {
			rec := new(dexdb.StateRecord)
			if err := dexdb.Decode(v, rec); err != nil {
				return err
			}
			run.States = append(run.States, rec)
			return nil
		})
	})
}

func decodeInfo(rb *bbolt.Bucket) (*dexdb.RunInfo, error) {
	info := new(dexdb.RunInfo)
	if err := dexdb.Decode(rb.Get(infoKey), info); err != nil {
		return nil, fmt.Errorf("error decoding run info: %w", err)
	}
	return info, nil
}

// makeTopLevelBuckets creates a top-level bucket for each of the provided keys,
// if the bucket doesn't already exist.
func (db *BoltDB) makeTopLevelBuckets(buckets [][]byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range buckets {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// withBucket creates a view into a top-level bucket. The viewer can be
// read-only (db.View), or read-write (db.Update). The provided bucketFunc will
// be called with the requested bucket as its only argument.
func (db *BoltDB) withBucket(bkt []byte, viewer txFunc, f bucketFunc) error {
	return viewer(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bkt)
		if bucket == nil {
			return fmt.Errorf("failed to open %s bucket", string(bkt))
		}
		return f(bucket)
	})
}

// withRun is like withBucket, but for the nested bucket of a single run.
func (db *BoltDB) withRun(id uuid.UUID, viewer txFunc, f bucketFunc) error {
	return db.withBucket(runsBucket, viewer, func(runs *bbolt.Bucket) error {
		rb := runs.Bucket(id[:])
		if rb == nil {
			return fmt.Errorf("%w: %s", dexdb.ErrRunNotFound, id)
		}
		return f(rb)
	})
}

// Backup makes a copy of the database.
func (db *BoltDB) Backup() error {
	dir := filepath.Join(filepath.Dir(db.Path()), backupDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		err := os.Mkdir(dir, 0700)
		if err != nil {
			return fmt.Errorf("unable to create backup directory: %v", err)
		}
	}

	path := filepath.Join(dir, filepath.Base(db.Path()))
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
	return err
}

// bucketPutter enables chained calls to (*bbolt.Bucket).Put with error
// deferment.
type bucketPutter struct {
	bucket *bbolt.Bucket
	putErr error
}

// newBucketPutter is a constructor for a bucketPutter.
func newBucketPutter(bkt *bbolt.Bucket) *bucketPutter {
	return &bucketPutter{bucket: bkt}
}

// put calls Put on the underlying bucket. If an error has been encountered in a
// previous call to put, nothing is done.
func (bp *bucketPutter) put(k, v []byte) *bucketPutter {
	if bp.putErr != nil {
		return bp
	}
	bp.putErr = bp.bucket.Put(k, v)
	return bp
}

// Return any put error encountered.
func (bp *bucketPutter) err() error {
	return bp.putErr
}

// keyTimePair is used to build an on-the-fly time-sorted index.
type keyTimePair struct {
	k []byte
	t uint64
}

// timeIndexNewest is an index of sorted keyTimePairs with an optional
// capacity. If the capacity is zero, the index size is unlimited.
type timeIndexNewest struct {
	pairs []*keyTimePair
	cap   int
}

func newTimeIndexNewest(n int) *timeIndexNewest {
	return &timeIndexNewest{
		pairs: make([]*keyTimePair, 0, n),
		cap:   n,
	}
}

// add conditionally adds a time-key pair to the index. The pair is only added
// if the index is under capacity or t is newer than the oldest pair.
func (idx *timeIndexNewest) add(t uint64, k []byte) {
	count := len(idx.pairs)
	if idx.cap == 0 || count < idx.cap {
		idx.pairs = append(idx.pairs, &keyTimePair{
			k: append([]byte(nil), k...),
			t: t,
		})
	} else {
		if t <= idx.pairs[count-1].t {
			return
		}
		idx.pairs[count-1] = &keyTimePair{
			k: append([]byte(nil), k...),
			t: t,
		}
	}
	sort.Slice(idx.pairs, func(i, j int) bool {
		return idx.pairs[i].t > idx.pairs[j].t
	})
}

// A couple of common bbolt functions.
type bucketFunc func(*bbolt.Bucket) error
type txFunc func(func(*bbolt.Tx) error) error
