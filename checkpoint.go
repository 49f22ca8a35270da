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
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// checkpointObjectInfo 是检查点里对象快照的 JSON 形状（§6）。
type checkpointObjectInfo struct {
	ETag          string    `json:"etag"`
	HashCrc64Ecma string    `json:"hash_crc64ecma,omitempty"`
	ObjectSize    int64     `json:"object_size"`
	LastModified  time.Time `json:"last_modified"`
}

// checkpointFileInfo 记录最终目标与临时文件的路径。
type checkpointFileInfo struct {
	FilePath     string `json:"file_path"`
	TempFilePath string `json:"temp_file_path"`
}

// PartRecord 是检查点里一个分片的完成情况（§3）。
type PartRecord struct {
	PartNumber    int       `json:"part_number"`
	RangeStart    int64     `json:"range_start"`
	RangeEnd      int64     `json:"range_end"`
	HashCrc64Ecma string    `json:"hash_crc64ecma,omitempty"`
	IsCompleted   bool      `json:"is_completed"`
	ETag          string    `json:"etag,omitempty"`       // 仅上传方向使用。
	UploadedAt    time.Time `json:"uploaded_at,omitzero"` // 仅上传方向使用。
}

// Checkpoint 是断点续传的持久化文档（§3、§6）。
type Checkpoint struct {
	Bucket     string               `json:"bucket"`
	Key        string               `json:"key"`
	VersionID  string               `json:"version_id,omitempty"`
	PartSize   int64                `json:"part_size"`
	ObjectInfo checkpointObjectInfo `json:"object_info"`
	FileInfo   checkpointFileInfo   `json:"file_info"`
	UploadID   string               `json:"upload_id,omitempty"` // 仅上传方向使用。
	Parts      []PartRecord         `json:"parts_info"`
}

// completedPartSet 返回检查点中已完成分片号到分片记录的映射。
func (cp *Checkpoint) completedPartSet() map[int]PartRecord {
	out := make(map[int]PartRecord, len(cp.Parts))
	for _, p := range cp.Parts {
		if p.IsCompleted {
			out[p.PartNumber] = p
		}
	}
	return out
}

// completedPrefixCrc 按 partNumber 升序依次 combine 已完成分片的 CRC64，得出已写入字节的整体摘要。
// 用于 §3 不变式 7 的自检与 VERIFY 阶段的整对象校验。
func completedPrefixCrc(parts []PartRecord) (string, error) {
	sorted := append([]PartRecord(nil), parts...)
	sortPartRecords(sorted)

	acc := "0"
	for _, p := range sorted {
		if !p.IsCompleted {
			break
		}
		length := p.RangeEnd - p.RangeStart + 1
		if p.RangeEnd < p.RangeStart {
			length = 0
		}
		var err error
		acc, err = combineCrc64Strings(acc, p.HashCrc64Ecma, length)
		if err != nil {
			return "", err
		}
	}
	return acc, nil
}

func sortPartRecords(parts []PartRecord) {
	for i := 1; i < len(parts); i++ {
		for j := i; j > 0 && parts[j-1].PartNumber > parts[j].PartNumber; j-- {
			parts[j-1], parts[j] = parts[j], parts[j-1]
		}
	}
}

// checkpointStore 负责检查点文档的加载、路径解析与持久化（§4.2）。
type checkpointStore struct {
	backend FileBackend
	logger  Logger
}

func newCheckpointStore(backend FileBackend, logger Logger) *checkpointStore {
	return &checkpointStore{backend: backend, logger: logger}
}

// resolvedCheckpointPath 是 resolvePath 的结果。
type resolvedCheckpointPath struct {
	inMemory         *Checkpoint // 调用方直接传入内存中的检查点，不落盘。
	path             string      // 调用方指定的文件路径，或目录占位符解析前为空。
	dir              string      // 调用方指定的目录，占位文件名要等首次写入时才能确定。
	isDirPlaceholder bool
}

// resolvePath 实现 §4.2 resolvePath：区分内存检查点 / 目录占位 / 明确文件路径三种输入形态。
func (s *checkpointStore) resolvePath(input any) (resolvedCheckpointPath, error) {
	switch v := input.(type) {
	case nil:
		return resolvedCheckpointPath{}, nil
	case *Checkpoint:
		return resolvedCheckpointPath{inMemory: v}, nil
	case string:
		if v == "" {
			return resolvedCheckpointPath{}, nil
		}
		if isDirPath(v) {
			return resolvedCheckpointPath{dir: v, isDirPlaceholder: true}, nil
		}
		if err := s.backend.MkdirAll(parentDir(v)); err != nil {
			return resolvedCheckpointPath{}, fmt.Errorf("tos: create checkpoint parent directory: %w", err)
		}
		return resolvedCheckpointPath{path: v}, nil
	default:
		return resolvedCheckpointPath{}, fmt.Errorf("%w: unsupported checkpoint input type %T", ErrClientUsage, input)
	}
}

// defaultCheckpointName 按 §6 规则计算目录模式下的检查点文件名。
func defaultCheckpointName(bucket, key, versionOrUploadID string) string {
	k := removeSlashes(key)
	b := removeSlashes(bucket)
	if versionOrUploadID == "" {
		return fmt.Sprintf("%s_%s.json", b, k)
	}
	return fmt.Sprintf("%s_%s.%s.json", b, k, versionOrUploadID)
}

func removeSlashes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '/' || s[i] == '\\' {
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[:i]
		}
	}
	return "."
}

// loadFromPath 按 §4.2 loadFromPath 加载检查点：文件不存在返回 nil,nil；
// 内容无法解析返回 ErrCorruptCheckpoint；否则原样返回文档（schema 校验是引擎的责任）。
func (s *checkpointStore) loadFromPath(path string) (*Checkpoint, error) {
	if path == "" {
		return nil, nil
	}
	data, err := s.backend.ReadFile(path)
	if err != nil {
		if isNotExistErr(err) {
			return nil, nil
		}
		return nil, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptCheckpoint, err)
	}
	return &cp, nil
}

// persist 原子地把检查点写入磁盘。调用方（引擎）负责用互斥锁把并发调用串行化（§5）。
func (s *checkpointStore) persist(path string, cp *Checkpoint) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return s.backend.WriteFileAtomic(path, data)
}

// remove 尽力删除检查点文件；失败只记录日志，绝不让传输因此失败（§4.2、§7）。
func (s *checkpointStore) remove(path string) {
	if path == "" {
		return
	}
	if err := s.backend.Remove(path); err != nil {
		s.logger.Warn("tos: remove checkpoint file failed", "path", path, "error", err)
	}
}

func isNotExistErr(err error) bool {
	return os.IsNotExist(err)
}
