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
	"sort"
	"sync"

	gu "gitee.com/ivfzhou/goroutine-util"
)

// uploadedChunk is one part accepted by the server, collected out of arrival order by the
// runner's worker pool and sorted back into partNumber order before CompleteMultipartUpload.
type uploadedChunk struct {
	partNumber int
	etag       string
}

// UploadFromReader uploads an object straight from r with no checkpoint and no resume support:
// a dropped connection means starting over (§9 "quick path", carried over from the teacher's
// own reader-based upload entry points, upload_impl.go's UploadFromReader). Useful for piping
// an in-flight stream (e.g. the output of a compressor) directly to the object store without
// first landing it on disk.
func (c *Client) UploadFromReader(ctx context.Context, bucket, key string, r io.Reader) error {
	id := ObjectIdentity{Bucket: c.resolveBucket(bucket), Key: key}

	uploadID, err := c.requester.InitiateMultipartUpload(ctx, id)
	if err != nil {
		return err
	}

	uploaded, err := c.runQuickUpload(ctx, id, uploadID, func(submit func(partNumber int, buf []byte) error) error {
		for partNumber, next := 1, true; next; partNumber++ {
			buf := makeBytes(DefaultPartSize)
			n, rerr := io.ReadFull(r, buf)
			if rerr != nil {
				if errors.Is(rerr, io.EOF) {
					rollbackBytes(buf)
					break
				}
				if errors.Is(rerr, io.ErrUnexpectedEOF) {
					next = false
				} else {
					rollbackBytes(buf)
					return rerr
				}
			}
			if err := submit(partNumber, buf[:n]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return c.completeQuickUpload(ctx, id, uploadID, uploaded)
}

// UploadFromReaderWithSize behaves like UploadFromReader but the caller supplies the exact byte
// count up front, letting every part be sized to DefaultPartSize except the last one instead of
// probing for io.EOF (grounded in upload_impl.go's multiUploadFromReaderWithSize).
func (c *Client) UploadFromReaderWithSize(ctx context.Context, bucket, key string, contentLength int64,
	r io.Reader) error {
	return c.uploadFromReaderWithSize(ctx, bucket, key, contentLength, r)
}

// UploadFromDisk is UploadFromReaderWithSize specialized for a local file (upload_impl.go's
// UploadFromDisk), reading through the FileBackend instead of the bare os package.
func (c *Client) UploadFromDisk(ctx context.Context, bucket, key, filePath string) error {
	size, exists, err := c.backend.Stat(filePath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: source file %q", ErrNotExists, filePath)
	}

	f, err := c.backend.OpenRandomReader(filePath)
	if err != nil {
		return err
	}
	defer closeIO(c.logger, f)

	return c.uploadFromReaderWithSize(ctx, bucket, key, size, io.NewSectionReader(f, 0, size))
}

func (c *Client) uploadFromReaderWithSize(ctx context.Context, bucket, key string, contentLength int64,
	r io.Reader) error {

	id := ObjectIdentity{Bucket: c.resolveBucket(bucket), Key: key}

	uploadID, err := c.requester.InitiateMultipartUpload(ctx, id)
	if err != nil {
		return err
	}

	uploaded, err := c.runQuickUpload(ctx, id, uploadID, func(submit func(partNumber int, buf []byte) error) error {
		partSize := DefaultPartSize
		for partNumber, totalRead := 1, int64(0); totalRead < contentLength; partNumber, totalRead = partNumber+1, totalRead+partSize {
			n := partSize
			var buf []byte
			if totalRead+partSize > contentLength {
				n = contentLength - totalRead
				buf = make([]byte, n)
			} else {
				buf = makeBytes(partSize)
			}
			if _, rerr := io.ReadFull(r, buf); rerr != nil {
				rollbackBytes(buf)
				return rerr
			}
			if err := submit(partNumber, buf); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return c.completeQuickUpload(ctx, id, uploadID, uploaded)
}

// runQuickUpload drives produce against a fixed-size worker pool, uploading each submitted chunk
// as one part; produce calls submit for every chunk in order but submissions from different
// workers race, so uploaded chunks are collected under a mutex and sorted by the caller.
func (c *Client) runQuickUpload(ctx context.Context, id ObjectIdentity, uploadID string,
	produce func(submit func(partNumber int, buf []byte) error) error) ([]uploadedChunk, error) {

	type data struct {
		buf        []byte
		partNumber int
	}

	var mu sync.Mutex
	var uploaded []uploadedChunk

	run, wait := gu.NewRunner(ctx, DefaultTaskNum, func(ctx context.Context, t *data) error {
		defer rollbackBytes(t.buf)
		etag, err := c.requester.UploadPart(ctx, id, uploadID, t.partNumber, 0, bytes.NewReader(t.buf), int64(len(t.buf)))
		if err != nil {
			return err
		}
		mu.Lock()
		uploaded = append(uploaded, uploadedChunk{partNumber: t.partNumber, etag: etag})
		mu.Unlock()
		return nil
	})

	abort := func() {
		noCancelCtx := context.WithoutCancel(ctx)
		go func() {
			_ = wait(false)
			if err := c.requester.AbortMultipartUpload(noCancelCtx, id, uploadID); err != nil {
				c.logger.Warn("tos: abort multipart upload failed", "error", err)
			}
		}()
	}

	err := produce(func(partNumber int, buf []byte) error {
		return run(&data{buf, partNumber}, false)
	})
	if err != nil {
		abort()
		return nil, err
	}

	if err := wait(true); err != nil {
		abort()
		return nil, err
	}

	return uploaded, nil
}

func (c *Client) completeQuickUpload(ctx context.Context, id ObjectIdentity, uploadID string,
	uploaded []uploadedChunk) error {

	sort.Slice(uploaded, func(i, j int) bool { return uploaded[i].partNumber < uploaded[j].partNumber })
	parts := make([]UploadedPart, len(uploaded))
	for i, u := range uploaded {
		parts[i] = UploadedPart{PartNumber: u.partNumber, ETag: u.etag}
	}

	_, err := c.requester.CompleteMultipartUpload(ctx, CompleteInput{
		Bucket: id.Bucket, Key: id.Key, UploadID: uploadID, Parts: parts,
	})
	if err != nil {
		noCancelCtx := context.WithoutCancel(ctx)
		go func() {
			if abortErr := c.requester.AbortMultipartUpload(noCancelCtx, id, uploadID); abortErr != nil {
				c.logger.Warn("tos: abort multipart upload failed", "error", abortErr)
			}
		}()
	}
	return err
}
