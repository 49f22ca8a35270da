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
	"time"
)

// ObjectIdentity 是一个对象的不可变句柄。
type ObjectIdentity struct {
	Bucket    string
	Key       string
	VersionID string
}

// ObjectInfo 是 HEAD / CreateMultipartUpload 时捕获的对象快照，用于校验断点续传是否仍然有效。
type ObjectInfo struct {
	ETag         string
	SizeBytes    int64
	LastModified time.Time
	Crc64Ecma    string // 服务端声明的整对象 CRC64，可能为空。
}

// UploadedPart 描述已被服务端接受的一个分片，供 CompleteMultipartUpload 引用。
type UploadedPart struct {
	PartNumber int
	ETag       string
}

// CompleteInput 是 completeMultipartUpload 操作的入参（§6）。
type CompleteInput struct {
	Bucket          string
	Key             string
	UploadID        string
	Parts           []UploadedPart
	CompleteAll     bool
	ForbidOverwrite bool
	Callback        string
	CallbackVar     string
}

// CompleteOutput 是 completeMultipartUpload 操作的出参（§6）。
type CompleteOutput struct {
	Bucket         string
	Key            string
	ETag           string
	Location       string
	VersionID      string
	HashCrc64Ecma  string
	CompletedParts []UploadedPart // 仅在 CompleteAll 且未设置 Callback 时由服务端回填。
	CallbackResult string         // 仅在设置了 Callback 时由服务端回填。
}

// Requester 是引擎唯一依赖的传输抽象（§4.8）：核心状态机永远不直接导入 net/http，
// 只通过这六个方法与服务端对话。调用方可以提供自己签名过的 TOS SDK 客户端适配实现，
// 也可以使用本模块自带的 defaultRequester。
type Requester interface {
	// Head 获取对象元信息。对象不存在时返回 ErrNotExists。
	Head(ctx context.Context, id ObjectIdentity) (ObjectInfo, error)

	// GetRange 以 Range 请求获取对象的 [offset, offset+length) 字节，if-match 用于探测对象是否被并发修改。
	// trafficLimit<=0 表示不设服务端限速。
	GetRange(ctx context.Context, id ObjectIdentity, ifMatchEtag string, offset, length, trafficLimit int64) (io.ReadCloser, error)

	// InitiateMultipartUpload 开启一次分片上传，返回服务端分配的 uploadId。
	InitiateMultipartUpload(ctx context.Context, id ObjectIdentity) (uploadID string, err error)

	// UploadPart 上传一个分片，body 恰好产生 size 字节，返回服务端为该分片计算的 ETag。
	UploadPart(ctx context.Context, id ObjectIdentity, uploadID string, partNumber int, trafficLimit int64,
		body io.Reader, size int64) (etag string, err error)

	// CompleteMultipartUpload 合并分片，结束一次分片上传。
	CompleteMultipartUpload(ctx context.Context, in CompleteInput) (CompleteOutput, error)

	// AbortMultipartUpload 丢弃一次未完成的分片上传及其已上传的分片。
	AbortMultipartUpload(ctx context.Context, id ObjectIdentity, uploadID string) error
}

// RateLimiter 是客户端限速器的窄接口，golang.org/x/time/rate.Limiter 天然满足它。
type RateLimiter interface {
	WaitN(ctx context.Context, n int) error
}
