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
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	requestPool = sync.Pool{New: func() any {
		return &http.Request{
			ProtoMajor: 1,
			ProtoMinor: 1,
		}
	}}
	bytesPool = sync.Pool{New: func() any { return make([]byte, DefaultPartSize) }}
)

// getRequest 从池中取出一个可复用的 http.Request 骨架。
func getRequest() *http.Request {
	return requestPool.Get().(*http.Request)
}

// rollbackRequest 清空并归还一个 http.Request，供下一次签名请求复用。
func rollbackRequest(req *http.Request) {
	if req == nil {
		return
	}
	req.Method = ""
	req.URL = nil
	req.Proto = ""
	req.Header = nil
	req.Body = nil
	req.GetBody = nil
	req.TransferEncoding = nil
	req.Close = false
	req.Form = nil
	req.PostForm = nil
	req.MultipartForm = nil
	req.Trailer = nil
	req.RemoteAddr = ""
	req.RequestURI = ""
	req.TLS = nil
	req.Response = nil
	requestPool.Put(req)
}

// makeBytes 取出一段用于承载分片数据的字节缓冲。请求的大小等于默认分片大小时走对象池，
// 其余尺寸（例如末个较短的分片）直接分配，避免污染池中对象的规格。
func makeBytes(size int64) []byte {
	if size == DefaultPartSize {
		return bytesPool.Get().([]byte)
	}
	return make([]byte, size)
}

// rollbackBytes 归还一段分片缓冲，仅回收与池规格一致的容量。
func rollbackBytes(data []byte) {
	if int64(cap(data)) != DefaultPartSize {
		return
	}
	bytesPool.Put(data[:cap(data)])
}

// closeIO 关闭一个流并把关闭失败记录到日志，调用方不必再处理这个错误。
func closeIO(logger Logger, closer io.Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("tos: close failed", "error", err)
	}
}

// closeRsp 关闭 HTTP 响应体，忽略 nil 响应或 nil 响应体的情形。
func closeRsp(logger Logger, r *http.Response) {
	if r != nil && r.Body != nil {
		closeIO(logger, r.Body)
	}
}

// readAndClose 读出响应体全部内容后关闭它，用于把错误响应体拼进错误信息。
func readAndClose(logger Logger, rsp *http.Response) []byte {
	if rsp == nil || rsp.Body == nil {
		return nil
	}
	bs, err := io.ReadAll(rsp.Body)
	if err != nil {
		logger.Warn("tos: read error response body failed", "error", err)
	}
	closeRsp(logger, rsp)
	return bs
}

// urlEncode 按签名算法要求的规则对字符串做百分号编码，规则来自签名规范而非标准 URL 编码。
func urlEncode(s string) string {
	var b bytes.Buffer
	written := 0
	for i, n := 0, len(s); i < n; i++ {
		ch := s[i]
		switch ch {
		case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
			continue
		default:
			if 'a' <= ch && ch <= 'z' {
				continue
			}
			if 'A' <= ch && ch <= 'Z' {
				continue
			}
			if '0' <= ch && ch <= '9' {
				continue
			}
		}
		b.WriteString(s[written:i])
		_, _ = fmt.Fprintf(&b, "%%%02X", ch)
		written = i + 1
	}

	if written == 0 {
		return s
	}
	b.WriteString(s[written:])
	s = b.String()

	s = strings.ReplaceAll(s, "!", "%21")
	s = strings.ReplaceAll(s, "'", "%27")
	s = strings.ReplaceAll(s, "(", "%28")
	s = strings.ReplaceAll(s, ")", "%29")
	s = strings.ReplaceAll(s, "*", "%2A")

	return s
}

// sanitizeKey 去除对象键中多余的斜杠与相对路径片段，供拼装文件名、检查点名使用。
func sanitizeKey(key string) string {
	return strings.TrimLeft(strings.TrimLeft(filepath.Clean(strings.Trim(key, "/")), "."), "/")
}

// isDirPath 判断调用方给出的路径是否应被当作目录：以路径分隔符结尾，或指向一个已存在的目录。
func isDirPath(path string) bool {
	if path == "" {
		return false
	}
	if strings.HasSuffix(path, "/") || strings.HasSuffix(path, string(filepath.Separator)) {
		return true
	}
	if info, err := os.Stat(path); err == nil {
		return info.IsDir()
	}
	return false
}

// safeInvoke 以恢复 panic 的方式调用调用方提供的观察者回调，
// 保证一个书写不当的回调不会打垮工作协程。
func safeInvoke(logger Logger, name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("tos: observer callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}
