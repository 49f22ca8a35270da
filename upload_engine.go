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

package tos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// UploadInput is the uploadFile operation's input, symmetric with DownloadInput (§4.6).
type UploadInput struct {
	Bucket string
	Key    string

	FilePath string // local source file.

	PartSize int64
	TaskNum  int

	Checkpoint any

	Progress                 ProgressFunc
	DataTransferStatusChange DataTransferFunc
	UploadEventChange        UploadEventFunc

	TrafficLimit int64
	RateLimiter  RateLimiter

	DisableCRC bool

	ForbidOverwrite bool
	Callback        string
	CallbackVar     string
}

// UploadOutput is the uploadFile operation's output.
type UploadOutput struct {
	Bucket, Key   string
	ETag          string
	Location      string
	VersionID     string
	HashCrc64Ecma string
}

type uploadState struct {
	client *Client
	in     UploadInput

	id ObjectIdentity

	sourceSize int64

	mu             sync.Mutex
	cp             *Checkpoint
	checkpointPath string

	consumed   atomic.Int64
	totalBytes int64

	enableCRC  bool
	freshStart bool
}

// UploadFile runs the upload state machine that mirrors §4.4, substituting CreateMultipartUpload
// for HEAD and CompleteMultipartUpload for rename, per §4.6.
func (c *Client) UploadFile(ctx context.Context, in UploadInput) (UploadOutput, error) {
	if in.Key == "" {
		return UploadOutput{}, fmt.Errorf("%w: key is required", ErrClientUsage)
	}
	if in.FilePath == "" {
		return UploadOutput{}, fmt.Errorf("%w: filePath is required", ErrClientUsage)
	}
	partSize := in.PartSize
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	taskNum := in.TaskNum
	if taskNum <= 0 {
		taskNum = DefaultTaskNum
	}

	sourceSize, exists, err := c.backend.Stat(in.FilePath)
	if err != nil {
		return UploadOutput{}, err
	}
	if !exists {
		return UploadOutput{}, fmt.Errorf("%w: source file %q", ErrNotExists, in.FilePath)
	}
	sourceModTime, err := c.backend.ModTime(in.FilePath)
	if err != nil {
		return UploadOutput{}, err
	}

	st := &uploadState{
		client:     c,
		in:         in,
		id:         ObjectIdentity{Bucket: c.resolveBucket(in.Bucket), Key: in.Key},
		sourceSize: sourceSize,
		totalBytes: sourceSize,
		enableCRC:  !in.DisableCRC,
	}

	if err := st.loadAndValidateCheckpoint(partSize, sourceModTime); err != nil {
		return UploadOutput{}, err
	}
	if err := st.prepare(ctx, partSize, sourceModTime); err != nil {
		return UploadOutput{}, err
	}

	if err := st.run(ctx, partSize, taskNum); err != nil {
		return UploadOutput{}, err
	}

	out, err := st.finalize(ctx)
	if err != nil {
		return out, err
	}

	if err := st.verify(out.HashCrc64Ecma); err != nil {
		st.emitDataTransfer(DataTransferFailed)
		return out, err
	}

	st.emitDataTransfer(DataTransferSucceed)
	st.emitFinalProgress()
	c.cpStore.remove(st.checkpointPath)

	return out, nil
}

func (st *uploadState) loadAndValidateCheckpoint(partSize int64, sourceModTime time.Time) error {
	c := st.client
	resolved, err := c.cpStore.resolvePath(st.in.Checkpoint)
	if err != nil {
		return err
	}

	var cp *Checkpoint
	switch {
	case resolved.inMemory != nil:
		cp = resolved.inMemory
	case resolved.isDirPlaceholder:
		// Keyed by bucket/key alone (not uploadId, unknown until a checkpoint is loaded),
		// so a resume attempt can find the file before it knows the session it belongs to.
		name := defaultCheckpointName(st.id.Bucket, st.id.Key, "")
		st.checkpointPath = filepath.Join(resolved.dir, name)
		cp, err = c.cpStore.loadFromPath(st.checkpointPath)
	case resolved.path != "":
		st.checkpointPath = resolved.path
		cp, err = c.cpStore.loadFromPath(st.checkpointPath)
	}
	if err != nil {
		if errors.Is(err, ErrCorruptCheckpoint) {
			c.logger.Warn("tos: checkpoint file is corrupt, starting over", "error", err)
			cp = nil
		} else {
			return err
		}
	}

	if cp != nil {
		if cp.ObjectInfo.ObjectSize != st.sourceSize || !cp.ObjectInfo.LastModified.Equal(sourceModTime) {
			c.logger.Warn("tos: checkpoint invalidated, source file changed", "path", st.in.FilePath)
			cp = nil
		} else if cp.PartSize != partSize {
			c.logger.Warn("tos: checkpoint invalidated, partSize changed")
			cp = nil
		} else if cp.UploadID == "" {
			c.logger.Warn("tos: checkpoint invalidated, missing upload id")
			cp = nil
		}
	}

	st.cp = cp
	return nil
}

func (st *uploadState) prepare(ctx context.Context, partSize int64, sourceModTime time.Time) error {
	c := st.client

	if st.cp != nil {
		st.freshStart = false
		return nil
	}

	st.freshStart = true

	uploadID, err := c.requester.InitiateMultipartUpload(ctx, st.id)
	if err != nil {
		st.emitUploadEvent(UploadEventCreateMultipartUploadFailed, 0, err)
		return err
	}
	st.emitUploadEvent(UploadEventCreateMultipartUploadSucceed, 0, nil)

	st.cp = &Checkpoint{
		Bucket:   st.id.Bucket,
		Key:      st.id.Key,
		PartSize: partSize,
		ObjectInfo: checkpointObjectInfo{
			ObjectSize:   st.sourceSize,
			LastModified: sourceModTime,
		},
		FileInfo: checkpointFileInfo{FilePath: st.in.FilePath},
		UploadID: uploadID,
	}

	return c.cpStore.persist(st.checkpointPath, st.cp)
}

func (st *uploadState) run(ctx context.Context, partSize int64, taskNum int) error {
	plan, err := planParts(st.sourceSize, partSize)
	if err != nil {
		return err
	}

	completed := st.cp.completedPartSet()
	completedBool := make(map[int]bool, len(completed))
	var baseline int64
	for n, rec := range completed {
		completedBool[n] = true
		baseline += rec.RangeEnd - rec.RangeStart + 1
	}
	st.consumed.Store(baseline)

	st.emitStartProgress()
	if st.freshStart {
		st.emitDataTransfer(DataTransferStarted)
	}

	pending := pendingParts(plan, completedBool)
	if len(pending) == 0 {
		return nil
	}

	return runScheduler(ctx, taskNum, pending, st.uploadPart)
}

func (st *uploadState) uploadPart(ctx context.Context, t PartTask) error {
	c := st.client

	if t.Length == 0 {
		etag, err := c.requester.UploadPart(ctx, st.id, st.cp.UploadID, t.PartNumber, st.resolvedTrafficLimit(),
			bytes.NewReader(nil), 0)
		if err != nil {
			return st.failPart(t, kindTransientPart, err)
		}
		return st.succeedPart(t, "0", etag)
	}

	reader, err := c.backend.OpenRandomReader(st.in.FilePath)
	if err != nil {
		return st.failPart(t, kindFileIo, err)
	}
	defer closeIO(c.logger, reader)

	section := io.NewSectionReader(reader, t.Offset, t.Length)
	var source io.Reader = throttle(ctx, section, st.resolvedRateLimiter())

	var crc *crcStream
	if st.enableCRC {
		crc = newCrcStream(source)
		source = crc
	}

	counting := &countingReader{r: source, onRead: func(n int) {
		consumed := st.consumed.Add(int64(n))
		st.emitDataTransferRw(int64(n), consumed)
	}}

	etag, err := c.requester.UploadPart(ctx, st.id, st.cp.UploadID, t.PartNumber, st.resolvedTrafficLimit(),
		counting, t.Length)
	if err != nil {
		st.consumed.Add(-counting.total)
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return st.failPart(t, kindTransientPart, err)
	}

	digest := ""
	if crc != nil {
		digest = crc.digest()
	}
	return st.succeedPart(t, digest, etag)
}

// countingReader wraps an io.Reader, invoking onRead after every successful chunk; used so
// UploadPart's single streaming read (rather than a manual chunk loop, since the HTTP client
// owns the read loop for a request body) still drives the Rw observer contract (§4.5).
type countingReader struct {
	r      io.Reader
	onRead func(n int)
	total  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.total += int64(n)
		c.onRead(n)
	}
	return n, err
}

func (st *uploadState) succeedPart(t PartTask, digest, etag string) error {
	c := st.client
	st.mu.Lock()
	upsertPartRecord(st.cp, PartRecord{
		PartNumber: t.PartNumber, RangeStart: t.Offset, RangeEnd: t.RangeEnd(),
		HashCrc64Ecma: digest, IsCompleted: true, ETag: etag, UploadedAt: time.Now(),
	})
	err := c.cpStore.persist(st.checkpointPath, st.cp)
	st.mu.Unlock()
	if err != nil {
		c.logger.Warn("tos: persist checkpoint failed", "error", err)
	}

	st.emitUploadEvent(UploadEventUploadPartSucceed, t.PartNumber, nil)
	if st.consumed.Load() != st.totalBytes {
		st.emitProgress()
	}
	return nil
}

func (st *uploadState) failPart(t PartTask, kind partErrorKind, cause error) error {
	if errors.Is(cause, ErrCancelled) {
		return cause
	}

	partErr := newPartError(t.PartNumber, kind, cause)
	var statusErr *httpStatusError
	evtType := UploadEventUploadPartFailed
	if errors.As(cause, &statusErr) && isAbortStatus(statusErr.StatusCode()) {
		partErr.Kind = kindAbortPart
		evtType = UploadEventUploadPartAborted
	}

	st.mu.Lock()
	upsertPartRecord(st.cp, PartRecord{PartNumber: t.PartNumber, RangeStart: t.Offset, RangeEnd: t.RangeEnd()})
	_ = st.client.cpStore.persist(st.checkpointPath, st.cp)
	st.mu.Unlock()

	st.emitUploadEvent(evtType, t.PartNumber, partErr)
	return partErr
}

func (st *uploadState) finalize(ctx context.Context) (UploadOutput, error) {
	parts := make([]UploadedPart, 0, len(st.cp.Parts))
	for _, p := range st.cp.Parts {
		if p.IsCompleted {
			parts = append(parts, UploadedPart{PartNumber: p.PartNumber, ETag: p.ETag})
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	out, err := st.client.requester.CompleteMultipartUpload(ctx, CompleteInput{
		Bucket: st.id.Bucket, Key: st.id.Key, UploadID: st.cp.UploadID, Parts: parts,
		ForbidOverwrite: st.in.ForbidOverwrite, Callback: st.in.Callback, CallbackVar: st.in.CallbackVar,
	})
	if err != nil {
		st.emitUploadEvent(UploadEventCompleteMultipartUploadFailed, 0, err)
		return UploadOutput{}, err
	}
	st.emitUploadEvent(UploadEventCompleteMultipartUploadSucceed, 0, nil)

	return UploadOutput{
		Bucket: out.Bucket, Key: out.Key, ETag: out.ETag, Location: out.Location,
		VersionID: out.VersionID, HashCrc64Ecma: out.HashCrc64Ecma,
	}, nil
}

func (st *uploadState) verify(serverCrc string) error {
	if !st.enableCRC || serverCrc == "" {
		return nil
	}
	combined, err := completedPrefixCrc(st.cp.Parts)
	if err != nil {
		return err
	}
	if combined != serverCrc {
		return fmt.Errorf("%w: computed %s, server reported %s", ErrCrcMismatch, combined, serverCrc)
	}
	return nil
}

func (st *uploadState) resolvedRateLimiter() RateLimiter {
	return st.client.resolveRateLimiter(st.in.RateLimiter)
}

func (st *uploadState) resolvedTrafficLimit() int64 {
	return st.client.resolveTrafficLimit(st.in.TrafficLimit)
}

func (st *uploadState) emitProgress() {
	if st.in.Progress == nil {
		return
	}
	percent := 0.0
	if st.totalBytes > 0 {
		percent = float64(st.consumed.Load()) / float64(st.totalBytes)
	}
	safeInvoke(st.client.logger, "progress", func() { st.in.Progress(percent, st.cp) })
}

// emitStartProgress fires the RUN-entry progress event required to always start at 0 (§4.5),
// even when resuming a checkpoint whose baseline already covers some (or all) of the object —
// emitProgress would otherwise report baseline/total, and in the all-parts-already-complete
// resume edge that collides with emitFinalProgress's own terminal 1.0.
func (st *uploadState) emitStartProgress() {
	if st.in.Progress == nil {
		return
	}
	safeInvoke(st.client.logger, "progress", func() { st.in.Progress(0, st.cp) })
}

func (st *uploadState) emitFinalProgress() {
	if st.in.Progress == nil {
		return
	}
	safeInvoke(st.client.logger, "progress", func() { st.in.Progress(1.0, st.cp) })
}

func (st *uploadState) emitDataTransfer(typ DataTransferType) {
	if st.in.DataTransferStatusChange == nil {
		return
	}
	safeInvoke(st.client.logger, "dataTransferStatusChange", func() {
		st.in.DataTransferStatusChange(DataTransferStatus{
			Type: typ, ConsumedBytes: st.consumed.Load(), TotalBytes: st.totalBytes,
		})
	})
}

func (st *uploadState) emitDataTransferRw(rwOnceBytes, consumedBytes int64) {
	if st.in.DataTransferStatusChange == nil {
		return
	}
	safeInvoke(st.client.logger, "dataTransferStatusChange", func() {
		st.in.DataTransferStatusChange(DataTransferStatus{
			Type: DataTransferRw, RwOnceBytes: rwOnceBytes, ConsumedBytes: consumedBytes, TotalBytes: st.totalBytes,
		})
	})
}

func (st *uploadState) emitUploadEvent(typ UploadEventType, partNumber int, err error) {
	if st.in.UploadEventChange == nil {
		return
	}
	safeInvoke(st.client.logger, "uploadEventChange", func() {
		st.in.UploadEventChange(UploadEvent{Type: typ, PartNumber: partNumber, Err: err})
	})
}
