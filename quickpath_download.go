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
	"fmt"
	"io"

	gu "gitee.com/ivfzhou/goroutine-util"
	iu "gitee.com/ivfzhou/io-util"
)

// DownloadToWriterAt streams an object straight into wa with no checkpoint and no resume
// support (§9 "quick path", grounded in download_impl.go's DownloadToWriterAt /
// downloadToWriterAt). Useful when the caller already owns a destination — an *os.File opened
// for random access, an in-memory buffer — and does not need DownloadFile's crash-recovery.
func (c *Client) DownloadToWriterAt(ctx context.Context, bucket, key string, wa io.WriterAt) error {
	id := ObjectIdentity{Bucket: c.resolveBucket(bucket), Key: key}

	info, err := c.requester.Head(ctx, id)
	if err != nil {
		return err
	}

	if info.SizeBytes == 0 {
		return nil
	}

	plan, err := planParts(info.SizeBytes, DefaultPartSize)
	if err != nil {
		return err
	}

	type data struct {
		offset, length int64
	}

	run, wait := gu.NewRunner(ctx, DefaultTaskNum, func(ctx context.Context, t *data) error {
		return c.downloadPartToWriterAt(ctx, id, info.ETag, t.offset, t.length, wa)
	})

	for _, p := range plan {
		if err := run(&data{p.Offset, p.Length}, false); err != nil {
			return err
		}
	}

	return wait(true)
}

// DownloadToReader returns a reader that streams an object's bytes as its parts complete
// out of order in the background, without ever landing the object on local disk (§9 "quick
// path", grounded in download_impl.go's Download / multiDownloadToReader). The caller owns rc
// and must close it.
func (c *Client) DownloadToReader(ctx context.Context, bucket, key string) (rc io.ReadCloser, size int64, err error) {
	id := ObjectIdentity{Bucket: c.resolveBucket(bucket), Key: key}

	info, err := c.requester.Head(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	size = info.SizeBytes

	if size == 0 {
		return io.NopCloser(bytes.NewReader(nil)), 0, nil
	}

	plan, err := planParts(size, DefaultPartSize)
	if err != nil {
		return nil, 0, err
	}

	wc, reader := iu.NewWriteAtToReader()

	type data struct {
		offset, length int64
	}

	run, wait := gu.NewRunner(ctx, DefaultTaskNum, func(ctx context.Context, t *data) error {
		return c.downloadPartToWriterAt(ctx, id, info.ETag, t.offset, t.length, wc)
	})

	go func() {
		for _, p := range plan {
			if err := run(&data{p.Offset, p.Length}, false); err != nil {
				if cerr := wc.CloseByError(err); cerr != nil {
					c.logger.Warn("tos: close writer-at-to-reader pipe failed", "error", cerr)
				}
				return
			}
		}
		if cerr := wc.CloseByError(wait(true)); cerr != nil {
			c.logger.Warn("tos: close writer-at-to-reader pipe failed", "error", cerr)
		}
	}()

	return reader, size, nil
}

func (c *Client) downloadPartToWriterAt(ctx context.Context, id ObjectIdentity, etag string, offset, length int64,
	wa io.WriterAt) error {

	body, err := c.requester.GetRange(ctx, id, etag, offset, length, 0)
	if err != nil {
		return err
	}
	defer closeIO(c.logger, body)

	n, err := iu.CopyReaderToWriterAt(body, wa, offset, false)
	if err != nil {
		return err
	}
	if n != length {
		return fmt.Errorf("tos: part size not match, actual is %d, expected is %d, offset is %d", n, length, offset)
	}

	return nil
}
