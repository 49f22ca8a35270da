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
	"io"

	"golang.org/x/time/rate"
)

// NewTokenBucketLimiter 用 golang.org/x/time/rate 构造一个满足 RateLimiter 接口的客户端限速器，
// bytesPerSecond 是令牌桶的填充速率，burst 是桶容量（§4.9、§5 "Backpressure"）。
func NewTokenBucketLimiter(bytesPerSecond, burst int) RateLimiter {
	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// rateLimitedReader 在每次 Read 返回数据后向限速器申请等量令牌，用完才放行下一次读取，
// 把分片的字节流量摊到 rateLimiter 允许的速率上。
type rateLimitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter RateLimiter
}

func throttle(ctx context.Context, r io.Reader, limiter RateLimiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &rateLimitedReader{ctx: ctx, r: r, limiter: limiter}
}

func (t *rateLimitedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
