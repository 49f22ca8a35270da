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

// ProgressFunc 上报 [0,1] 区间的传输完成度，参见 §4.5 "Progress observer contract"。
type ProgressFunc func(percent float64, checkpoint *Checkpoint)

// DataTransferType 标识一次 DataTransferEvent 的种类。
type DataTransferType int

const (
	// DataTransferStarted 标记一次全新传输的开始，纯恢复场景不会再次触发它。
	DataTransferStarted DataTransferType = iota
	// DataTransferRw 标记一次分片读写进度事件。
	DataTransferRw
	// DataTransferSucceed 是传输成功的唯一终态事件。
	DataTransferSucceed
	// DataTransferFailed 是传输失败的唯一终态事件。
	DataTransferFailed
)

// DataTransferStatus 是 dataTransferStatusChange 观察者收到的事件负载（§4.5）。
type DataTransferStatus struct {
	Type          DataTransferType
	RwOnceBytes   int64
	ConsumedBytes int64
	TotalBytes    int64
}

// DataTransferFunc 是调用方提供的数据传输进度观察者。
type DataTransferFunc func(status DataTransferStatus)

// DownloadEventType 枚举 §4.4/§4.5 定义的结构性事件。
type DownloadEventType int

const (
	DownloadEventCreateTempFileSucceed DownloadEventType = iota
	DownloadEventCreateTempFileFailed
	DownloadEventDownloadPartSucceed
	DownloadEventDownloadPartFailed
	DownloadEventDownloadPartAborted
	DownloadEventRenameTempFileSucceed
	DownloadEventRenameTempFileFailed
)

// DownloadEvent 是 downloadEventChange 观察者收到的事件负载。
type DownloadEvent struct {
	Type       DownloadEventType
	PartNumber int   // 仅分片相关事件有效，从 1 开始；0 表示与分片无关的结构性事件。
	Err        error // 失败类事件携带的原因；成功事件为 nil。
}

// DownloadEventFunc 是调用方提供的下载结构性事件观察者。
type DownloadEventFunc func(event DownloadEvent)

// UploadEventType 是上传方向的结构性事件，与 DownloadEventType 对称（§4.6）。
type UploadEventType int

const (
	UploadEventCreateMultipartUploadSucceed UploadEventType = iota
	UploadEventCreateMultipartUploadFailed
	UploadEventUploadPartSucceed
	UploadEventUploadPartFailed
	UploadEventUploadPartAborted
	UploadEventCompleteMultipartUploadSucceed
	UploadEventCompleteMultipartUploadFailed
)

// UploadEvent 是 uploadEventChange 观察者收到的事件负载。
type UploadEvent struct {
	Type       UploadEventType
	PartNumber int
	Err        error
}

// UploadEventFunc 是调用方提供的上传结构性事件观察者。
type UploadEventFunc func(event UploadEvent)
