package auth

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Two indexes are kept: used/<key|ts|nonce> holds the observation time and
// seen/<nanos>/<key|ts|nonce> orders observations for range pruning.
const (
	usedPrefix = "used/"
	seenPrefix = "seen/"
)

var errPersistenceClosed = errors.New("auth: nonce store not open")

// LevelDBNonces persists nonce observations in a LevelDB directory.
type LevelDBNonces struct {
	db *leveldb.DB
}

func OpenLevelDBNonces(path string) (*LevelDBNonces, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("auth: nonce store path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("auth: resolve nonce store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: open nonce store: %w", err)
	}
	return &LevelDBNonces{db: db}, nil
}

func (p *LevelDBNonces) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// EnsureNonce stores record and reports whether it had been seen before.
func (p *LevelDBNonces) EnsureNonce(_ context.Context, record NonceRecord) (bool, error) {
	if p == nil || p.db == nil {
		return false, errPersistenceClosed
	}
	composite := strings.Join([]string{record.APIKey, record.Timestamp, record.Nonce}, "|")
	if record.APIKey == "" || record.Timestamp == "" || record.Nonce == "" {
		return false, errors.New("auth: incomplete nonce record")
	}
	observed := record.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	nanos := observed.UnixNano()
	used := []byte(usedPrefix + composite)

	batch := new(leveldb.Batch)
	found := false
	existing, err := p.db.Get(used, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("auth: load nonce: %w", err)
	default:
		if len(existing) != 8 {
			return false, fmt.Errorf("auth: corrupt nonce record %q", composite)
		}
		found = true
		previous := int64(binary.BigEndian.Uint64(existing))
		if nanos <= previous {
			return true, nil
		}
		batch.Delete(seenKey(previous, composite))
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(nanos))
	batch.Put(used, buf)
	batch.Put(seenKey(nanos, composite), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("auth: record nonce: %w", err)
	}
	return found, nil
}

// RecentNonces returns observations at or after cutoff in time order.
func (p *LevelDBNonces) RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error) {
	if p == nil || p.db == nil {
		return nil, errPersistenceClosed
	}
	iter := p.db.NewIterator(&util.Range{
		Start: seenKey(cutoff.UnixNano(), ""),
		Limit: util.BytesPrefix([]byte(seenPrefix)).Limit,
	}, nil)
	defer iter.Release()

	var records []NonceRecord
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		nanos, composite, ok := parseSeenKey(iter.Key())
		if !ok {
			continue
		}
		parts := strings.SplitN(composite, "|", 3)
		if len(parts) != 3 {
			continue
		}
		records = append(records, NonceRecord{
			APIKey:     parts[0],
			Timestamp:  parts[1],
			Nonce:      parts[2],
			ObservedAt: time.Unix(0, nanos).UTC(),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("auth: iterate nonces: %w", err)
	}
	return records, nil
}

// PruneNonces removes observations older than cutoff.
func (p *LevelDBNonces) PruneNonces(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return errPersistenceClosed
	}
	iter := p.db.NewIterator(&util.Range{
		Start: []byte(seenPrefix),
		Limit: seenKey(cutoff.UnixNano(), ""),
	}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, composite, ok := parseSeenKey(iter.Key())
		if !ok {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(usedPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("auth: iterate nonces: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("auth: prune nonces: %w", err)
	}
	return nil
}

func seenKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", seenPrefix, nanos, composite))
}

func parseSeenKey(key []byte) (int64, string, bool) {
	rest := strings.TrimPrefix(string(key), seenPrefix)
	stamp, composite, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, "", false
	}
	nanos, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return nanos, composite, true
}
