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

import "fmt"

// PartTask 描述一次分片传输：对象上 [offset, offset+length) 的字节范围。
type PartTask struct {
	PartNumber int
	Offset     int64
	Length     int64
}

// RangeEnd 返回该分片在对象中的末尾偏移（闭区间，符合 HTTP Range 语义）。
// 零长度分片（仅出现在空对象时）没有有效的末尾偏移，返回 Offset-1。
func (t PartTask) RangeEnd() int64 {
	if t.Length <= 0 {
		return t.Offset - 1
	}
	return t.Offset + t.Length - 1
}

// MaxPartCount 是分片上传允许的最大分片数，超出视为客户端用法错误。
const MaxPartCount = 10_000

// planParts 按 §4.1 确定性地生成分片任务列表。
//
// objectSize == 0 时返回唯一的零长度分片（上传方向仍需要一个分片号承载请求体）。
// 否则按 partSize 切分 [0, objectSize)，分片号从 1 开始，末个分片可能短于 partSize。
func planParts(objectSize, partSize int64) ([]PartTask, error) {
	if partSize < 1 {
		return nil, fmt.Errorf("%w: partSize must be >= 1, got %d", ErrClientUsage, partSize)
	}

	if objectSize == 0 {
		return []PartTask{{PartNumber: 1, Offset: 0, Length: 0}}, nil
	}

	count := (objectSize + partSize - 1) / partSize
	if count > MaxPartCount {
		return nil, fmt.Errorf("%w: object would require %d parts, exceeds limit of %d",
			ErrClientUsage, count, MaxPartCount)
	}

	parts := make([]PartTask, count)
	for i := int64(0); i < count; i++ {
		offset := i * partSize
		length := partSize
		if remain := objectSize - offset; remain < length {
			length = remain
		}
		parts[i] = PartTask{PartNumber: int(i + 1), Offset: offset, Length: length}
	}

	return parts, nil
}

// pendingParts 返回 plan 中尚未出现在 completed 集合里的分片，按 partNumber 升序。
func pendingParts(plan []PartTask, completed map[int]bool) []PartTask {
	pending := make([]PartTask, 0, len(plan))
	for _, t := range plan {
		if !completed[t.PartNumber] {
			pending = append(pending, t)
		}
	}
	return pending
}
