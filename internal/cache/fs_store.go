package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	partitionMetaFile = ".partition.json"
	entryMetaSuffix   = ".json"
	entryBodySuffix   = ".body"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发读写，seq 保证插入顺序单调递增。
type fileStore struct {
	basePath string

	mu      sync.Mutex
	locks   map[string]*entryLock
	lastSeq int64
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type partitionMeta struct {
	Name       string `json:"name"`
	CreatedSeq int64  `json:"created_seq"`
}

// fileEntry 是条目的元数据文件，正文单独存放在 .body 文件中。
type fileEntry struct {
	Seq           int64       `json:"seq"`
	Method        string      `json:"method"`
	URL           string      `json:"url"`
	RequestHeader http.Header `json:"request_header,omitempty"`
	Status        int         `json:"status"`
	Header        http.Header `json:"header"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensurePartition(name); err != nil {
		return nil, err
	}
	return &filePartition{store: s, name: name, dir: filepath.Join(s.basePath, name)}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := validPartitionName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.basePath, name, partitionMetaFile))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := validPartitionName(name); err != nil {
		return false, err
	}
	unlock := s.lockKey("partition::" + name)
	defer unlock()

	existed, err := s.Has(ctx, name)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(filepath.Join(s.basePath, name)); err != nil {
		return existed, err
	}
	return existed, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]string, error) {
	dirents, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	metas := make([]partitionMeta, 0, len(dirents))
	for _, dirent := range dirents {
		if !dirent.IsDir() {
			continue
		}
		var meta partitionMeta
		if err := readJSON(filepath.Join(s.basePath, dirent.Name(), partitionMetaFile), &meta); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		meta.Name = dirent.Name()
		metas = append(metas, meta)
	}
	sort.SliceStable(metas, func(i, j int) bool { return metas[i].CreatedSeq < metas[j].CreatedSeq })

	names := make([]string, len(metas))
	for i, meta := range metas {
		names[i] = meta.Name
	}
	return names, nil
}

func (s *fileStore) Match(ctx context.Context, req Request, opts MatchOptions) (*Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	return matchAcross(ctx, s, names, req, opts)
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) ensurePartition(name string) error {
	if err := validPartitionName(name); err != nil {
		return err
	}
	unlock := s.lockKey("partition::" + name)
	defer unlock()

	dir := filepath.Join(s.basePath, name)
	metaPath := filepath.Join(dir, partitionMetaFile)
	if _, err := os.Stat(metaPath); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload, err := json.Marshal(partitionMeta{Name: name, CreatedSeq: s.nextSeq()})
	if err != nil {
		return err
	}
	return writeFileAtomic(context.Background(), dir, partitionMetaFile, bytes.NewReader(payload))
}

// nextSeq 基于纳秒时钟生成单调递增序号，进程重启后仍保持顺序。
func (s *fileStore) nextSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *fileStore) lockKey(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

type filePartition struct {
	store *fileStore
	name  string
	dir   string
}

func (p *filePartition) Name() string { return p.name }

func (p *filePartition) Put(ctx context.Context, req Request, resp *Response) error {
	if err := checkPut(req, resp); err != nil {
		return err
	}
	// 分区可能已被 activate 清理，写入前重新确认目录存在。
	if err := p.store.ensurePartition(p.name); err != nil {
		return err
	}

	id := entryID(req)
	unlock := p.store.lockKey(p.name + "::" + id)
	defer unlock()

	if err := writeFileAtomic(ctx, p.dir, id+entryBodySuffix, bytes.NewReader(resp.Body)); err != nil {
		return err
	}
	meta := fileEntry{
		Seq:           p.store.nextSeq(),
		Method:        req.Method,
		URL:           req.URL,
		RequestHeader: varyRequestHeaders(req, resp),
		Status:        resp.Status,
		Header:        storedHeaders(resp.Header),
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(ctx, p.dir, id+entryMetaSuffix, bytes.NewReader(payload))
}

func (p *filePartition) Match(ctx context.Context, req Request, opts MatchOptions) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := entryID(req)
	unlock := p.store.lockKey(p.name + "::" + id)
	defer unlock()

	var meta fileEntry
	if err := readJSON(filepath.Join(p.dir, id+entryMetaSuffix), &meta); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp := &Response{Status: meta.Status, Header: meta.Header}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if !varyMatches(req, meta.RequestHeader, resp, opts) {
		return nil, ErrNotFound
	}

	body, err := os.ReadFile(filepath.Join(p.dir, id+entryBodySuffix))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp.Body = body
	return resp, nil
}

func (p *filePartition) Delete(ctx context.Context, req Request) (bool, error) {
	id := entryID(req)
	unlock := p.store.lockKey(p.name + "::" + id)
	defer unlock()

	metaPath := filepath.Join(p.dir, id+entryMetaSuffix)
	err := os.Remove(metaPath)
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	if err := os.Remove(filepath.Join(p.dir, id+entryBodySuffix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return existed, err
	}
	return existed, nil
}

func (p *filePartition) Keys(ctx context.Context) ([]Request, error) {
	dirents, err := os.ReadDir(p.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]fileEntry, 0, len(dirents))
	for _, dirent := range dirents {
		name := dirent.Name()
		if dirent.IsDir() || name == partitionMetaFile || !strings.HasSuffix(name, entryMetaSuffix) {
			continue
		}
		var meta fileEntry
		if err := readJSON(filepath.Join(p.dir, name), &meta); err != nil {
			// 条目可能刚被并发删除。
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		entries = append(entries, meta)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })

	keys := make([]Request, len(entries))
	for i, meta := range entries {
		header := meta.RequestHeader
		if header == nil {
			header = http.Header{}
		}
		keys[i] = Request{Method: meta.Method, URL: meta.URL, Header: header}
	}
	return keys, nil
}

func entryID(req Request) string {
	sum := sha1.Sum([]byte(req.Key()))
	return hex.EncodeToString(sum[:])
}

func readJSON(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// writeFileAtomic 通过临时文件 + rename 保证写入原子性，失败时清理临时文件。
func writeFileAtomic(ctx context.Context, dir, name string, body io.Reader) error {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filepath.Join(dir, name)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
