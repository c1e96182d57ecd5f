package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"mirror/internal/errors"
)

const (
	filePrefix = "vfs:f:"
	dirPrefix  = "vfs:d:"

	bodyRaw  byte = 0
	bodyZstd byte = 1
)

// VFSOptions configures the embedded virtual filesystem backend.
type VFSOptions struct {
	Dir         string // database directory; ignored when InMemory
	InMemory    bool
	CacheSize   int // decoded bodies kept in the LRU cache
	Compression CompressionOptions
	Logger      *zap.Logger
}

// VFS is a durable virtual filesystem stored in an embedded badger
// database. Directories are explicit keys so that Exists and ListTree see
// them; file records carry their decoded size ahead of the body.
type VFS struct {
	db    *badger.DB
	cache *lru.Cache[string, []byte]
	codec *codec
}

func NewVFS(opts VFSOptions) (*VFS, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, fmt.Errorf("vfs directory is required")
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}
	if opts.Compression.Level == 0 {
		opts.Compression = DefaultCompressionOptions()
	}

	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating vfs directory: %w", err)
	}
	if opts.Logger != nil {
		bopts.Logger = badgerLogger{opts.Logger.Named("badger").Sugar()}
	} else {
		bopts.Logger = nil
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening vfs database: %w", err)
	}

	cache, err := lru.New[string, []byte](opts.CacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	c, err := newCodec(opts.Compression)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &VFS{db: db, cache: cache, codec: c}, nil
}

func fileKey(p string) []byte { return []byte(filePrefix + p) }
func dirKey(p string) []byte  { return []byte(dirPrefix + p) }

// encode builds a record: flag byte, uvarint decoded size, body.
func (v *VFS) encode(p string, data []byte) []byte {
	flag, body := bodyRaw, data
	if v.codec.shouldCompress(p, len(data)) {
		if packed := v.codec.compress(data); len(packed) < len(data) {
			flag, body = bodyZstd, packed
		}
	}

	record := make([]byte, 1, 1+binary.MaxVarintLen64+len(body))
	record[0] = flag
	record = binary.AppendUvarint(record, uint64(len(data)))
	return append(record, body...)
}

func recordSize(record []byte) (int64, int, error) {
	if len(record) < 2 {
		return 0, 0, fmt.Errorf("truncated record")
	}
	size, n := binary.Uvarint(record[1:])
	if n <= 0 {
		return 0, 0, fmt.Errorf("corrupt record size")
	}
	return int64(size), 1 + n, nil
}

func (v *VFS) decode(record []byte) ([]byte, error) {
	size, offset, err := recordSize(record)
	if err != nil {
		return nil, err
	}
	body := record[offset:]
	switch record[0] {
	case bodyRaw:
		return append([]byte(nil), body...), nil
	case bodyZstd:
		return v.codec.decompress(body, int(size))
	default:
		return nil, fmt.Errorf("unknown body encoding %d", record[0])
	}
}

func (v *VFS) Write(p string, data []byte) error {
	p = Normalize(p)
	if p == "/" {
		return errors.IOFailure("write", p, errIsDir)
	}
	record := v.encode(p, data)

	err := v.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dirKey(p)); err == nil {
			return errIsDir
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		for dir := path.Dir(p); dir != "/"; dir = path.Dir(dir) {
			if _, err := txn.Get(fileKey(dir)); err == nil {
				return errNotDir
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(dirKey(dir), nil); err != nil {
				return err
			}
		}
		return txn.Set(fileKey(p), record)
	})
	if err != nil {
		return errors.IOFailure("write", p, err)
	}

	v.cache.Add(p, append([]byte(nil), data...))
	return nil
}

func (v *VFS) Read(p string) ([]byte, error) {
	p = Normalize(p)
	if data, ok := v.cache.Get(p); ok {
		return append([]byte(nil), data...), nil
	}

	var data []byte
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(p))
		if err == badger.ErrKeyNotFound {
			if _, derr := txn.Get(dirKey(p)); derr == nil {
				return errIsDir
			}
			return errors.NotFound(p)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			data, err = v.decode(val)
			return err
		})
	})
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.IOFailure("read", p, err)
	}

	v.cache.Add(p, data)
	return append([]byte(nil), data...), nil
}

func (v *VFS) Exists(p string) bool {
	p = Normalize(p)
	if p == "/" {
		return true
	}
	found := false
	_ = v.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(fileKey(p)); err == nil {
			found = true
			return nil
		}
		_, err := txn.Get(dirKey(p))
		found = err == nil
		return nil
	})
	return found
}

func (v *VFS) Remove(p string) error {
	p = Normalize(p)
	keys := [][]byte{fileKey(p), dirKey(p)}
	if p == "/" {
		keys = nil
	}

	err := v.db.View(func(txn *badger.Txn) error {
		for _, prefix := range []string{filePrefix, dirPrefix} {
			keys = append(keys, collectKeys(txn, []byte(prefix+subtreePrefix(p)))...)
		}
		return nil
	})
	if err != nil {
		return errors.IOFailure("remove", p, err)
	}

	wb := v.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return errors.IOFailure("remove", p, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return errors.IOFailure("remove", p, err)
	}

	for _, k := range v.cache.Keys() {
		if Within(p, k) {
			v.cache.Remove(k)
		}
	}
	return nil
}

func collectKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func (v *VFS) ListTree(root string) ([]FileEntry, error) {
	root = Normalize(root)
	sub := subtreePrefix(root)
	var entries []FileEntry

	err := v.db.View(func(txn *badger.Txn) error {
		dirs := []byte(dirPrefix + sub)
		for _, k := range collectKeys(txn, dirs) {
			entries = append(entries, FileEntry{
				Path: strings.TrimPrefix(string(k), dirPrefix),
				Type: TypeDir,
			})
		}

		files := []byte(filePrefix + sub)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = files
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(files); it.ValidForPrefix(files); it.Next() {
			item := it.Item()
			p := strings.TrimPrefix(string(item.Key()), filePrefix)
			var size int64
			err := item.Value(func(val []byte) error {
				var err error
				size, _, err = recordSize(val)
				return err
			})
			if err != nil {
				continue
			}
			entries = append(entries, FileEntry{Path: p, Type: TypeFile, Size: size})
		}
		return nil
	})
	if err != nil {
		return nil, errors.IOFailure("walking tree", root, err)
	}

	SortEntries(entries)
	return entries, nil
}

func (v *VFS) Close() error {
	v.codec.close()
	return v.db.Close()
}

// badgerLogger routes badger's internal logging into zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
