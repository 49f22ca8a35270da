/*
 * Copyright (c) 2025 ivfzhou
 * tos-transfer-engine is licensed under Mulan PSL v2.
 * You can use this software according to the terms and conditions of the Mulan PSL v2.
 * You may obtain a copy of Mulan PSL v2 at:
 *          http://license.coscl.org.cn/MulanPSL2
 * THIS SOFTWARE IS PROVIDED ON AN "AS IS" BASIS, WITHOUT WARRANTIES OF ANY KIND,
 * EITHER EXPRESS OR IMPLIED, INCLUDING BUT NOT LIMITED TO NON-INFRINGEMENT,
 * MERCHANTABILITY OR FIT FOR A PARTICULAR PURPOSE.
 * See the Mulan PSL v2 for more details.
 */

package tos_test

import (
	"context"
	"errors"
	"fmt"
	"hash/crc64"
	"io"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	tos "gitee.com/ivfzhou/tos-transfer-engine"
)

var crc64TestTable = crc64.MakeTable(crc64.ECMA)

func crc64Decimal(b []byte) string {
	return strconv.FormatUint(crc64.Checksum(b, crc64TestTable), 10)
}

// memFile backs RandomWriter/RandomReader with an in-memory buffer, growing on WriteAt past
// the current end exactly like a sparse local file would.
type memFile struct {
	mu   *sync.Mutex
	data *[]byte
}

func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if int64(len(*f.data)) < end {
		grown := make([]byte, end)
		copy(grown, *f.data)
		*f.data = grown
	}
	copy((*f.data)[off:end], p)
	return len(p), nil
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off >= int64(len(*f.data)) {
		return 0, io.EOF
	}
	n := copy(p, (*f.data)[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *memFile) Close() error { return nil }

// memFileBackend implements tos.FileBackend entirely in memory, so engine tests never touch
// the real filesystem.
type memFileBackend struct {
	mu       sync.Mutex
	files    map[string]*[]byte
	modTimes map[string]time.Time
	dirs     map[string]bool
}

func newMemFileBackend() *memFileBackend {
	return &memFileBackend{
		files:    make(map[string]*[]byte),
		modTimes: make(map[string]time.Time),
		dirs:     make(map[string]bool),
	}
}

func (b *memFileBackend) Stat(path string) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[path]
	if !ok {
		return 0, false, nil
	}
	return int64(len(*data)), true, nil
}

func (b *memFileBackend) ModTime(path string) (time.Time, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.modTimes[path]
	if !ok {
		return time.Time{}, os.ErrNotExist
	}
	return t, nil
}

func (b *memFileBackend) IsDir(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirs[path]
}

func (b *memFileBackend) MkdirAll(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirs[path] = true
	return nil
}

func (b *memFileBackend) CreateEmpty(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	empty := make([]byte, 0)
	b.files[path] = &empty
	b.modTimes[path] = time.Now()
	return nil
}

func (b *memFileBackend) OpenRandomWriter(path string) (tos.RandomWriter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &memFile{mu: &b.mu, data: data}, nil
}

func (b *memFileBackend) OpenRandomReader(path string) (tos.RandomReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &memFile{mu: &b.mu, data: data}, nil
}

func (b *memFileBackend) Rename(oldPath, newPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[oldPath]
	if !ok {
		return os.ErrNotExist
	}
	b.files[newPath] = data
	b.modTimes[newPath] = b.modTimes[oldPath]
	delete(b.files, oldPath)
	delete(b.modTimes, oldPath)
	return nil
}

func (b *memFileBackend) Remove(path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files, path)
	delete(b.modTimes, path)
	return nil
}

func (b *memFileBackend) ReadFile(path string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]byte, len(*data))
	copy(out, *data)
	return out, nil
}

func (b *memFileBackend) WriteFileAtomic(path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	b.files[path] = &copied
	b.modTimes[path] = time.Now()
	return nil
}

// putSourceFile seeds a file as if it already existed on disk, for upload-side tests.
func (b *memFileBackend) putSourceFile(path string, data []byte, modTime time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	b.files[path] = &copied
	b.modTimes[path] = modTime
}

// fakeUploadSession tracks one in-flight multipart upload for fakeRequester.
type fakeUploadSession struct {
	mu    sync.Mutex
	parts map[int][]byte
}

// fakeRequester implements tos.Requester entirely in memory; it is the test double standing
// in for defaultRequester's HTTP seam.
type fakeRequester struct {
	mu      sync.Mutex
	objects map[string][]byte // key "bucket/key" -> object bytes
	etags   map[string]string
	uploads map[string]*fakeUploadSession

	// failRangeOnce, when non-nil, is called before serving each GetRange; returning a
	// non-nil error fails that single part request without corrupting later attempts.
	failRangeOnce func(partOffset int64) error

	// onRangeServed, when non-nil, is invoked after a GetRange completes; used by the
	// pause/resume test to trigger cancellation after N parts.
	onRangeServed func()

	// onPartUploaded, when non-nil, is invoked after an UploadPart completes; used by the
	// upload pause/resume test to trigger cancellation after N parts.
	onPartUploaded func()

	nextUploadID int
}

// getObject returns a copy of a previously completed object's bytes, for asserting upload
// results without reaching into fakeRequester's internals from another test file.
func (r *fakeRequester) getObject(id tos.ObjectIdentity) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.objects[r.objKey(id)]
	if !ok {
		return nil, tos.ErrNotExists
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{
		objects: make(map[string][]byte),
		etags:   make(map[string]string),
		uploads: make(map[string]*fakeUploadSession),
	}
}

func (r *fakeRequester) objKey(id tos.ObjectIdentity) string { return id.Bucket + "/" + id.Key }

func (r *fakeRequester) putObject(id tos.ObjectIdentity, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[r.objKey(id)] = data
	r.etags[r.objKey(id)] = fmt.Sprintf(`"etag-%d"`, len(data))
}

func (r *fakeRequester) Head(_ context.Context, id tos.ObjectIdentity) (tos.ObjectInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.objects[r.objKey(id)]
	if !ok {
		return tos.ObjectInfo{}, tos.ErrNotExists
	}
	return tos.ObjectInfo{
		ETag:         r.etags[r.objKey(id)],
		SizeBytes:    int64(len(data)),
		LastModified: time.Unix(1700000000, 0).UTC(),
		Crc64Ecma:    crc64Decimal(data),
	}, nil
}

func (r *fakeRequester) GetRange(ctx context.Context, id tos.ObjectIdentity, _ string, offset, length,
	_ int64) (io.ReadCloser, error) {

	r.mu.Lock()
	data, ok := r.objects[r.objKey(id)]
	failHook := r.failRangeOnce
	servedHook := r.onRangeServed
	r.mu.Unlock()
	if !ok {
		return nil, tos.ErrNotExists
	}
	if failHook != nil {
		if err := failHook(offset); err != nil {
			return nil, err
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	if length == 0 {
		end = offset
	}
	chunk := make([]byte, end-offset)
	copy(chunk, data[offset:end])

	if servedHook != nil {
		servedHook()
	}

	return io.NopCloser(&sliceReader{b: chunk}), nil
}

// sliceReader is a minimal io.Reader over a byte slice. Each Read copies at most len(p) bytes,
// so a part larger than the engine's 64 KiB copy buffer is delivered over several Read calls,
// exercising the multi-chunk Rw accounting path.
type sliceReader struct {
	b   []byte
	off int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.off >= len(s.b) {
		return 0, io.EOF
	}
	n := copy(p, s.b[s.off:])
	s.off += n
	return n, nil
}

func (r *fakeRequester) InitiateMultipartUpload(_ context.Context, id tos.ObjectIdentity) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextUploadID++
	uploadID := fmt.Sprintf("upload-%d", r.nextUploadID)
	r.uploads[uploadID] = &fakeUploadSession{parts: make(map[int][]byte)}
	return uploadID, nil
}

func (r *fakeRequester) UploadPart(_ context.Context, _ tos.ObjectIdentity, uploadID string, partNumber int,
	_ int64, body io.Reader, _ int64) (string, error) {

	r.mu.Lock()
	session, ok := r.uploads[uploadID]
	r.mu.Unlock()
	if !ok {
		return "", errors.New("fake: unknown upload id")
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}

	session.mu.Lock()
	session.parts[partNumber] = data
	session.mu.Unlock()

	r.mu.Lock()
	hook := r.onPartUploaded
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	return fmt.Sprintf("etag-part-%d", partNumber), nil
}

func (r *fakeRequester) CompleteMultipartUpload(_ context.Context, in tos.CompleteInput) (tos.CompleteOutput, error) {
	r.mu.Lock()
	session, ok := r.uploads[in.UploadID]
	r.mu.Unlock()
	if !ok {
		return tos.CompleteOutput{}, errors.New("fake: unknown upload id")
	}

	session.mu.Lock()
	partNumbers := make([]int, 0, len(session.parts))
	for n := range session.parts {
		partNumbers = append(partNumbers, n)
	}
	sort.Ints(partNumbers)
	var whole []byte
	for _, n := range partNumbers {
		whole = append(whole, session.parts[n]...)
	}
	session.mu.Unlock()

	r.mu.Lock()
	delete(r.uploads, in.UploadID)
	r.mu.Unlock()

	id := tos.ObjectIdentity{Bucket: in.Bucket, Key: in.Key}
	r.putObject(id, whole)

	return tos.CompleteOutput{
		Bucket:        in.Bucket,
		Key:           in.Key,
		ETag:          r.etags[r.objKey(id)],
		HashCrc64Ecma: crc64Decimal(whole),
	}, nil
}

func (r *fakeRequester) AbortMultipartUpload(_ context.Context, _ tos.ObjectIdentity, uploadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.uploads, uploadID)
	return nil
}
