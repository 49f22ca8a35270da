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
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
)

// DownloadInput is the downloadFile operation's input (§6).
type DownloadInput struct {
	Bucket    string
	Key       string
	VersionID string

	FilePath     string // destination; a directory (or trailing-slash) path has Key appended.
	TempFilePath string // defaults to FilePath + ".temp".

	PartSize int64 // defaults to DefaultPartSize.
	TaskNum  int   // defaults to DefaultTaskNum.

	// Checkpoint accepts either a file/directory path (string) or an in-memory *Checkpoint.
	Checkpoint any

	Progress                 ProgressFunc
	DataTransferStatusChange DataTransferFunc
	DownloadEventChange      DownloadEventFunc

	TrafficLimit int64
	RateLimiter  RateLimiter

	DisableCRC bool

	// CustomRenameFileAfterDownloadCompleted, if set, replaces the default
	// backend.Rename(tempPath, filePath) call in FINALIZE.
	CustomRenameFileAfterDownloadCompleted func(tempFilePath, filePath string) error
}

// DownloadOutput is the downloadFile operation's output.
type DownloadOutput struct {
	Bucket, Key, VersionID string
	ETag                   string
	SizeBytes              int64
	Crc64Ecma              string
	FilePath               string
}

// downloadState carries the mutable runtime state of one downloadFile call (§3 "TransferContext").
type downloadState struct {
	client *Client
	in     DownloadInput

	objectInfo ObjectInfo
	id         ObjectIdentity

	mu             sync.Mutex
	cp             *Checkpoint
	checkpointPath string

	consumed   atomic.Int64
	totalBytes int64

	enableCRC  bool
	freshStart bool
}

// DownloadFile runs the download state machine described in §4.4: HEAD, load and validate
// the checkpoint, prepare the destination/temp files, run the bounded-concurrency scheduler
// over the pending parts, verify the whole-object CRC64, then rename the temp file into place.
func (c *Client) DownloadFile(ctx context.Context, in DownloadInput) (DownloadOutput, error) {
	if in.Key == "" {
		return DownloadOutput{}, fmt.Errorf("%w: key is required", ErrClientUsage)
	}
	partSize := in.PartSize
	if partSize <= 0 {
		partSize = DefaultPartSize
	}
	taskNum := in.TaskNum
	if taskNum <= 0 {
		taskNum = DefaultTaskNum
	}

	id := ObjectIdentity{Bucket: c.resolveBucket(in.Bucket), Key: in.Key, VersionID: in.VersionID}

	// HEAD.
	objectInfo, err := c.requester.Head(ctx, id)
	if err != nil {
		return DownloadOutput{}, err
	}

	st := &downloadState{
		client:     c,
		in:         in,
		objectInfo: objectInfo,
		id:         id,
		totalBytes: objectInfo.SizeBytes,
		enableCRC:  !in.DisableCRC,
	}

	if err := st.loadAndValidateCheckpoint(partSize); err != nil {
		return DownloadOutput{}, err
	}
	if err := st.prepareFiles(partSize); err != nil {
		return DownloadOutput{}, err
	}

	out := DownloadOutput{
		Bucket: id.Bucket, Key: id.Key, VersionID: id.VersionID,
		ETag: objectInfo.ETag, SizeBytes: objectInfo.SizeBytes, Crc64Ecma: objectInfo.Crc64Ecma,
		FilePath: st.cp.FileInfo.FilePath,
	}

	if err := st.run(ctx, partSize, taskNum); err != nil {
		return out, err
	}

	if err := st.verify(); err != nil {
		st.emitDataTransfer(DataTransferFailed)
		return out, err
	}

	if err := st.finalize(); err != nil {
		return out, err
	}

	return out, nil
}

// loadAndValidateCheckpoint implements LOAD_CP + VALIDATE_CP (§4.2, §4.4, §3 invariants 4-6).
func (st *downloadState) loadAndValidateCheckpoint(partSize int64) error {
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
		name := defaultCheckpointName(st.id.Bucket, st.id.Key, st.id.VersionID)
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
		if cp.ObjectInfo.ETag != st.objectInfo.ETag ||
			cp.ObjectInfo.ObjectSize != st.objectInfo.SizeBytes ||
			!cp.ObjectInfo.LastModified.Equal(st.objectInfo.LastModified) {
			c.logger.Warn("tos: checkpoint invalidated, object changed since last attempt",
				"bucket", st.id.Bucket, "key", st.id.Key)
			cp = nil
		} else if cp.PartSize != partSize {
			c.logger.Warn("tos: checkpoint invalidated, partSize changed",
				"checkpoint_part_size", cp.PartSize, "requested_part_size", partSize)
			cp = nil
		} else if _, exists, statErr := c.backend.Stat(cp.FileInfo.TempFilePath); statErr != nil || !exists {
			c.logger.Warn("tos: checkpoint invalidated, temp file missing", "path", cp.FileInfo.TempFilePath)
			cp = nil
		}
	}

	st.cp = cp
	return nil
}

// prepareFiles implements PREPARE_FILES (§4.4).
func (st *downloadState) prepareFiles(partSize int64) error {
	c := st.client

	if st.cp != nil {
		st.freshStart = false
		if err := c.backend.MkdirAll(filepath.Dir(st.cp.FileInfo.FilePath)); err != nil {
			return err
		}
		return nil
	}

	st.freshStart = true

	destPath := st.in.FilePath
	if isDirPath(destPath) {
		destPath = filepath.Join(destPath, st.id.Key)
	}
	tempPath := st.in.TempFilePath
	if tempPath == "" {
		tempPath = destPath + ".temp"
	}

	if err := c.backend.MkdirAll(filepath.Dir(destPath)); err != nil {
		return err
	}
	if err := c.backend.MkdirAll(filepath.Dir(tempPath)); err != nil {
		return err
	}

	if err := c.backend.CreateEmpty(tempPath); err != nil {
		st.emitDownloadEvent(DownloadEventCreateTempFileFailed, 0, err)
		return err
	}
	st.emitDownloadEvent(DownloadEventCreateTempFileSucceed, 0, nil)

	st.cp = &Checkpoint{
		Bucket:    st.id.Bucket,
		Key:       st.id.Key,
		VersionID: st.id.VersionID,
		PartSize:  partSize,
		ObjectInfo: checkpointObjectInfo{
			ETag:          st.objectInfo.ETag,
			HashCrc64Ecma: st.objectInfo.Crc64Ecma,
			ObjectSize:    st.objectInfo.SizeBytes,
			LastModified:  st.objectInfo.LastModified,
		},
		FileInfo: checkpointFileInfo{FilePath: destPath, TempFilePath: tempPath},
	}

	if resolved, _ := c.cpStore.resolvePath(st.in.Checkpoint); resolved.isDirPlaceholder {
		st.checkpointPath = filepath.Join(resolved.dir, defaultCheckpointName(st.id.Bucket, st.id.Key, st.id.VersionID))
	}

	return c.persistCheckpoint(st)
}

// run implements RUN (§4.5): plan parts, subtract completed, schedule the rest.
func (st *downloadState) run(ctx context.Context, partSize int64, taskNum int) error {
	plan, err := planParts(st.objectInfo.SizeBytes, partSize)
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

	return runScheduler(ctx, taskNum, pending, st.downloadPart)
}

// downloadPart executes §4.5's "per-part execution (download)" steps 1-7 for a single task.
func (st *downloadState) downloadPart(ctx context.Context, t PartTask) error {
	c := st.client

	if t.Length == 0 {
		// Zero-size object: a single zero-length part exists to anchor the plan (§4.1),
		// but there is nothing to fetch or write; the empty temp file already satisfies it.
		return st.succeedPart(t, "0")
	}

	body, err := c.requester.GetRange(ctx, st.id, st.objectInfo.ETag, t.Offset, t.Length, st.resolvedTrafficLimit())
	if err != nil {
		return st.failPart(t, kindTransientPart, err)
	}
	defer closeIO(c.logger, body)

	writer, err := c.backend.OpenRandomWriter(st.cp.FileInfo.TempFilePath)
	if err != nil {
		return st.failPart(t, kindFileIo, err)
	}
	defer closeIO(c.logger, writer)

	var crc *crcStream
	var source = throttle(ctx, body, st.resolvedRateLimiter())
	if st.enableCRC {
		crc = newCrcStream(source)
		source = crc
	}

	const chunkSize = 64 * 1024
	buf := make([]byte, chunkSize)
	offset := t.Offset
	var written int64

	for {
		if ctx.Err() != nil {
			st.consumed.Add(-written)
			return ErrCancelled
		}

		n, rerr := source.Read(buf)
		if n > 0 {
			if _, werr := writer.WriteAt(buf[:n], offset); werr != nil {
				st.consumed.Add(-written)
				return st.failPart(t, kindFileIo, werr)
			}
			offset += int64(n)
			written += int64(n)
			consumed := st.consumed.Add(int64(n))
			st.emitDataTransferRw(int64(n), consumed)
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			st.consumed.Add(-written)
			return st.failPart(t, kindTransientPart, rerr)
		}
	}

	digest := ""
	if crc != nil {
		digest = crc.digest()
	}

	return st.succeedPart(t, digest)
}

func (st *downloadState) succeedPart(t PartTask, digest string) error {
	c := st.client
	st.mu.Lock()
	upsertPartRecord(st.cp, PartRecord{
		PartNumber: t.PartNumber, RangeStart: t.Offset, RangeEnd: t.RangeEnd(),
		HashCrc64Ecma: digest, IsCompleted: true,
	})
	err := c.persistCheckpointLocked(st)
	st.mu.Unlock()
	if err != nil {
		c.logger.Warn("tos: persist checkpoint failed", "error", err)
	}

	st.emitDownloadEvent(DownloadEventDownloadPartSucceed, t.PartNumber, nil)

	if st.consumed.Load() != st.totalBytes {
		st.emitProgress()
	}
	return nil
}

func (st *downloadState) failPart(t PartTask, kind partErrorKind, cause error) error {
	if errors.Is(cause, ErrCancelled) {
		return cause
	}

	partErr := newPartError(t.PartNumber, kind, cause)
	var statusErr *httpStatusError
	evtType := DownloadEventDownloadPartFailed
	if errors.As(cause, &statusErr) && isAbortStatus(statusErr.StatusCode()) {
		partErr.Kind = kindAbortPart
		evtType = DownloadEventDownloadPartAborted
	}

	st.mu.Lock()
	upsertPartRecord(st.cp, PartRecord{PartNumber: t.PartNumber, RangeStart: t.Offset, RangeEnd: t.RangeEnd()})
	_ = st.client.persistCheckpointLocked(st)
	st.mu.Unlock()

	st.emitDownloadEvent(evtType, t.PartNumber, partErr)
	return partErr
}

// verify implements VERIFY (§4.4, §3 invariant 7).
func (st *downloadState) verify() error {
	if !st.enableCRC || st.objectInfo.Crc64Ecma == "" {
		return nil
	}
	combined, err := completedPrefixCrc(st.cp.Parts)
	if err != nil {
		return err
	}
	if combined != st.objectInfo.Crc64Ecma {
		return fmt.Errorf("%w: computed %s, server reported %s", ErrCrcMismatch, combined, st.objectInfo.Crc64Ecma)
	}
	return nil
}

// finalize implements FINALIZE (§4.4).
func (st *downloadState) finalize() error {
	c := st.client
	var err error
	if st.in.CustomRenameFileAfterDownloadCompleted != nil {
		err = st.in.CustomRenameFileAfterDownloadCompleted(st.cp.FileInfo.TempFilePath, st.cp.FileInfo.FilePath)
	} else {
		err = c.backend.Rename(st.cp.FileInfo.TempFilePath, st.cp.FileInfo.FilePath)
	}
	if err != nil {
		st.emitDownloadEvent(DownloadEventRenameTempFileFailed, 0, err)
		st.emitDataTransfer(DataTransferFailed)
		return err
	}
	st.emitDownloadEvent(DownloadEventRenameTempFileSucceed, 0, nil)
	st.emitDataTransfer(DataTransferSucceed)
	st.emitFinalProgress()

	c.cpStore.remove(st.checkpointPath)
	return nil
}

func (st *downloadState) resolvedRateLimiter() RateLimiter {
	return st.client.resolveRateLimiter(st.in.RateLimiter)
}

func (st *downloadState) resolvedTrafficLimit() int64 {
	return st.client.resolveTrafficLimit(st.in.TrafficLimit)
}

func (st *downloadState) emitProgress() {
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
func (st *downloadState) emitStartProgress() {
	if st.in.Progress == nil {
		return
	}
	safeInvoke(st.client.logger, "progress", func() { st.in.Progress(0, st.cp) })
}

func (st *downloadState) emitFinalProgress() {
	if st.in.Progress == nil {
		return
	}
	safeInvoke(st.client.logger, "progress", func() { st.in.Progress(1.0, st.cp) })
}

func (st *downloadState) emitDataTransfer(typ DataTransferType) {
	if st.in.DataTransferStatusChange == nil {
		return
	}
	safeInvoke(st.client.logger, "dataTransferStatusChange", func() {
		st.in.DataTransferStatusChange(DataTransferStatus{
			Type: typ, ConsumedBytes: st.consumed.Load(), TotalBytes: st.totalBytes,
		})
	})
}

func (st *downloadState) emitDataTransferRw(rwOnceBytes, consumedBytes int64) {
	if st.in.DataTransferStatusChange == nil {
		return
	}
	safeInvoke(st.client.logger, "dataTransferStatusChange", func() {
		st.in.DataTransferStatusChange(DataTransferStatus{
			Type: DataTransferRw, RwOnceBytes: rwOnceBytes, ConsumedBytes: consumedBytes, TotalBytes: st.totalBytes,
		})
	})
}

func (st *downloadState) emitDownloadEvent(typ DownloadEventType, partNumber int, err error) {
	if st.in.DownloadEventChange == nil {
		return
	}
	safeInvoke(st.client.logger, "downloadEventChange", func() {
		st.in.DownloadEventChange(DownloadEvent{Type: typ, PartNumber: partNumber, Err: err})
	})
}

// persistCheckpoint serializes access to the checkpoint's single writer (§5 "Ordering guarantees").
func (c *Client) persistCheckpoint(st *downloadState) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return c.persistCheckpointLocked(st)
}

func (c *Client) persistCheckpointLocked(st *downloadState) error {
	return c.cpStore.persist(st.checkpointPath, st.cp)
}

// upsertPartRecord replaces the PartRecord for rec.PartNumber or appends it, keeping the slice
// sorted by PartNumber so completedPrefixCrc can rely on ascending order (§3 invariant 1).
func upsertPartRecord(cp *Checkpoint, rec PartRecord) {
	for i, p := range cp.Parts {
		if p.PartNumber == rec.PartNumber {
			cp.Parts[i] = rec
			return
		}
	}
	cp.Parts = append(cp.Parts, rec)
	sort.Slice(cp.Parts, func(i, j int) bool { return cp.Parts[i].PartNumber < cp.Parts[j].PartNumber })
}
