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
	"sync"
	"sync/atomic"
)

// partFunc 执行单个分片任务；返回的错误会被调度器记下，但不会中断其它分片的执行。
type partFunc func(ctx context.Context, t PartTask) error

// runScheduler 实现 §4.5 的调度模型：共享的单调索引计数器 + N 个并发工作协程，
// 每个工作协程反复认领下一个索引直到队列耗尽。与教师仓库 gu.NewRunner 的
// "第一个错误即中止剩余任务" 语义不同——这里要求所有工作协程排空队列，
// 让检查点尽可能记录更多分片的实际执行结果（§4.5 "First-error policy"）。
func runScheduler(ctx context.Context, taskNum int, tasks []PartTask, fn partFunc) error {
	if len(tasks) == 0 {
		return nil
	}
	if taskNum < 1 {
		taskNum = 1
	}
	workers := taskNum
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var nextIndex atomic.Int64
	var once sync.Once
	var firstErr error
	captureErr := func(err error) {
		if err == nil {
			return
		}
		once.Do(func() { firstErr = err })
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					captureErr(ErrCancelled)
					return
				}

				i := nextIndex.Add(1) - 1
				if i >= int64(len(tasks)) {
					return
				}

				captureErr(fn(ctx, tasks[i]))
			}
		}()
	}
	wg.Wait()

	return firstErr
}
