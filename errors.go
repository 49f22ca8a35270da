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
	"errors"
	"fmt"
)

var (
	// ErrNotExists 对象不存在。
	ErrNotExists = errors.New("tos: object not found")

	// ErrClientUsage 调用方传入了非法的参数组合。
	ErrClientUsage = errors.New("tos: invalid usage")

	// ErrCorruptCheckpoint 检查点文件内容无法解析。
	ErrCorruptCheckpoint = errors.New("tos: checkpoint file is corrupt")

	// ErrCheckpointInvalidated 检查点与当前对象或调用参数不匹配，已失效。
	ErrCheckpointInvalidated = errors.New("tos: checkpoint invalidated")

	// ErrCrcMismatch 分片合并后的 CRC64 与服务端声明的值不一致。
	ErrCrcMismatch = errors.New("tos: crc64 checksum mismatch")

	// ErrCancelled 调用方取消了传输。
	ErrCancelled = errors.New("tos: transfer cancelled")

	// ErrAbortPart 服务端对某个分片请求返回了不可重试的状态码（403/404/405）。
	ErrAbortPart = errors.New("tos: part request aborted by server")
)

// partErrorKind 对分片失败原因的分类，决定事件如何上报（§7 错误分类表）。
type partErrorKind int

const (
	kindTransientPart partErrorKind = iota
	kindAbortPart
	kindFileIo
)

// PartError 包裹某个分片执行失败的原因，保留分片号以便检查点与事件上报引用。
type PartError struct {
	PartNumber int
	Kind       partErrorKind
	Err        error
}

func (e *PartError) Error() string {
	return fmt.Sprintf("tos: part %d: %v", e.PartNumber, e.Err)
}

func (e *PartError) Unwrap() error { return e.Err }

// Is 让被归类为 kindAbortPart 的分片错误满足 errors.Is(err, ErrAbortPart)。
func (e *PartError) Is(target error) bool {
	return target == ErrAbortPart && e.Kind == kindAbortPart
}

func newPartError(partNumber int, kind partErrorKind, err error) *PartError {
	return &PartError{PartNumber: partNumber, Kind: kind, Err: err}
}

// isAbortStatus 报告一个 HTTP 状态码是否属于 §7 定义的不可重试中止状态码集合。
func isAbortStatus(code int) bool {
	switch code {
	case 403, 404, 405:
		return true
	default:
		return false
	}
}
