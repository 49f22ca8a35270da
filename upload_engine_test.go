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

package tos_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	tos "gitee.com/ivfzhou/tos-transfer-engine"
)

func TestUploadFile_EmptyObject(t *testing.T) {
	backend := newMemFileBackend()
	backend.putSourceFile("/src/empty.bin", nil, time.Unix(1700000000, 0).UTC())
	requester := newFakeRequester()

	client := newTestClient(requester, backend)

	var progressValues []float64
	var dataTransferTypes []tos.DataTransferType

	out, err := client.UploadFile(context.Background(), tos.UploadInput{
		Key:      "empty.bin",
		FilePath: "/src/empty.bin",
		Progress: func(p float64, _ *tos.Checkpoint) { progressValues = append(progressValues, p) },
		DataTransferStatusChange: func(s tos.DataTransferStatus) {
			dataTransferTypes = append(dataTransferTypes, s.Type)
		},
	})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if out.Key != "empty.bin" {
		t.Fatalf("Key = %q, want empty.bin", out.Key)
	}

	if len(progressValues) != 2 || progressValues[0] != 0 || progressValues[1] != 1 {
		t.Fatalf("progress sequence = %v, want [0 1]", progressValues)
	}
	if len(dataTransferTypes) != 2 ||
		dataTransferTypes[0] != tos.DataTransferStarted || dataTransferTypes[1] != tos.DataTransferSucceed {
		t.Fatalf("dataTransfer sequence = %v, want [Started Succeed]", dataTransferTypes)
	}

	got, err := requester.getObject(tos.ObjectIdentity{Bucket: "bucket", Key: "empty.bin"})
	if err != nil {
		t.Fatalf("getObject: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("uploaded object length = %d, want 0", len(got))
	}
}

func TestUploadFile_MultiPartHappyPath(t *testing.T) {
	backend := newMemFileBackend()
	requester := newFakeRequester()

	const sourceSize = 10 * 1024 * 1024
	const partSize = 1024 * 1024
	data := make([]byte, sourceSize)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	backend.putSourceFile("/src/blob.bin", data, time.Unix(1700000000, 0).UTC())

	client := newTestClient(requester, backend)

	var progressValues []float64
	var consumedSeq []int64
	var rwSeq []int64
	var events []tos.UploadEventType

	out, err := client.UploadFile(context.Background(), tos.UploadInput{
		Key:      "blob.bin",
		FilePath: "/src/blob.bin",
		PartSize: partSize,
		TaskNum:  10,
		Progress: func(p float64, _ *tos.Checkpoint) { progressValues = append(progressValues, p) },
		DataTransferStatusChange: func(s tos.DataTransferStatus) {
			if s.Type == tos.DataTransferRw {
				consumedSeq = append(consumedSeq, s.ConsumedBytes)
				rwSeq = append(rwSeq, s.RwOnceBytes)
			}
		},
		UploadEventChange: func(e tos.UploadEvent) { events = append(events, e.Type) },
	})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if out.HashCrc64Ecma == "" {
		t.Fatal("HashCrc64Ecma is empty")
	}

	got, err := requester.getObject(tos.ObjectIdentity{Bucket: "bucket", Key: "blob.bin"})
	if err != nil {
		t.Fatalf("getObject: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("uploaded object content mismatch")
	}

	if progressValues[0] != 0 {
		t.Fatalf("first progress = %v, want 0", progressValues[0])
	}
	if last := progressValues[len(progressValues)-1]; last != 1 {
		t.Fatalf("last progress = %v, want 1", last)
	}
	for i := 1; i < len(progressValues); i++ {
		if progressValues[i] < progressValues[i-1] {
			t.Fatalf("progress not monotonic at %d: %v then %v", i, progressValues[i-1], progressValues[i])
		}
	}

	var totalRw int64
	for _, n := range rwSeq {
		totalRw += n
	}
	if totalRw != sourceSize {
		t.Fatalf("sum(rwOnceBytes) = %d, want %d", totalRw, sourceSize)
	}
	if consumedSeq[len(consumedSeq)-1] != sourceSize {
		t.Fatalf("final consumedBytes = %d, want %d", consumedSeq[len(consumedSeq)-1], sourceSize)
	}

	if len(events) < 3 {
		t.Fatalf("too few upload events: %v", events)
	}
	if events[0] != tos.UploadEventCreateMultipartUploadSucceed {
		t.Fatalf("first event = %v, want CreateMultipartUploadSucceed", events[0])
	}
	if last := events[len(events)-1]; last != tos.UploadEventCompleteMultipartUploadSucceed {
		t.Fatalf("last event = %v, want CompleteMultipartUploadSucceed", last)
	}
	middleCount := 0
	for _, e := range events[1 : len(events)-1] {
		if e != tos.UploadEventUploadPartSucceed {
			t.Fatalf("unexpected event in middle of sequence: %v", e)
		}
		middleCount++
	}
	if middleCount != sourceSize/partSize {
		t.Fatalf("UploadPartSucceed count = %d, want %d", middleCount, sourceSize/partSize)
	}
}

func TestUploadFile_PauseAndResume(t *testing.T) {
	backend := newMemFileBackend()
	requester := newFakeRequester()

	const sourceSize = 50 * 1024 * 1024
	const partSize = 10 * 1024 * 1024
	data := make([]byte, sourceSize)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	modTime := time.Unix(1700000000, 0).UTC()
	backend.putSourceFile("/src/big.bin", data, modTime)

	client := newTestClient(requester, backend)

	ctx, cancel := context.WithCancel(context.Background())
	var succeeded atomic.Int32
	requester.onPartUploaded = func() {
		if succeeded.Add(1) == 2 {
			cancel()
		}
	}

	var firstRunSucceeded int
	_, err := client.UploadFile(ctx, tos.UploadInput{
		Key:        "big.bin",
		FilePath:   "/src/big.bin",
		PartSize:   partSize,
		TaskNum:    1,
		Checkpoint: "/checkpoints/",
		UploadEventChange: func(e tos.UploadEvent) {
			if e.Type == tos.UploadEventUploadPartSucceed {
				firstRunSucceeded++
			}
		},
	})
	if !errors.Is(err, tos.ErrCancelled) {
		t.Fatalf("first UploadFile error = %v, want ErrCancelled", err)
	}
	if firstRunSucceeded < 2 {
		t.Fatalf("firstRunSucceeded = %d, want >= 2", firstRunSucceeded)
	}

	requester.onPartUploaded = nil
	var secondRunSucceeded int
	out, err := client.UploadFile(context.Background(), tos.UploadInput{
		Key:        "big.bin",
		FilePath:   "/src/big.bin",
		PartSize:   partSize,
		TaskNum:    1,
		Checkpoint: "/checkpoints/",
		UploadEventChange: func(e tos.UploadEvent) {
			if e.Type == tos.UploadEventUploadPartSucceed {
				secondRunSucceeded++
			}
		},
	})
	if err != nil {
		t.Fatalf("second UploadFile: %v", err)
	}
	if firstRunSucceeded+secondRunSucceeded != sourceSize/partSize {
		t.Fatalf("total succeeded parts = %d, want %d",
			firstRunSucceeded+secondRunSucceeded, sourceSize/partSize)
	}

	got, err := requester.getObject(tos.ObjectIdentity{Bucket: "bucket", Key: "big.bin"})
	if err != nil {
		t.Fatalf("getObject: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("resumed upload content mismatch")
	}
	if out.HashCrc64Ecma == "" {
		t.Fatal("HashCrc64Ecma is empty")
	}
}

// TestCompleteMultipartUpload_RejectsCompleteAllWithParts asserts the mutually-exclusive
// CompleteAll/Parts check runs before any call reaches the requester: fakeRequester's
// CompleteMultipartUpload would itself fail on an unknown upload id, so a non-ErrClientUsage
// failure here would mean validation was skipped rather than performed.
func TestCompleteMultipartUpload_RejectsCompleteAllWithParts(t *testing.T) {
	backend := newMemFileBackend()
	requester := newFakeRequester()
	client := newTestClient(requester, backend)

	_, err := client.CompleteMultipartUpload(context.Background(), tos.CompleteInput{
		UploadID:    "does-not-exist",
		CompleteAll: true,
		Parts:       []tos.UploadedPart{{PartNumber: 1, ETag: `"etag"`}},
	})
	if !errors.Is(err, tos.ErrClientUsage) {
		t.Fatalf("error = %v, want ErrClientUsage", err)
	}
}
