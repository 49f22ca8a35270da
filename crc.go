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
	"hash/crc64"
	"io"
	"strconv"
)

var crc64Table = crc64.MakeTable(crc64.ECMA)

// crcStream 包裹一个字节来源，边读边计算 CRC64(ECMA-182)。digest 以十进制字符串呈现，
// 与服务端 x-tos-hash-crc64ecma 响应头的文本编码一致。
type crcStream struct {
	r    io.Reader
	hash uint64
}

func newCrcStream(r io.Reader) *crcStream {
	return &crcStream{r: r}
}

func (s *crcStream) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.hash = crc64.Update(s.hash, crc64Table, p[:n])
	}
	return n, err
}

// digest 返回当前累计的 CRC64 值的十进制字符串表示。
func (s *crcStream) digest() string {
	return strconv.FormatUint(s.hash, 10)
}

// crc64OfBytes 直接计算一段字节的 CRC64，供检查点校验、测试固件使用。
func crc64OfBytes(b []byte) string {
	return strconv.FormatUint(crc64.Checksum(b, crc64Table), 10)
}

// gf2MatrixTimes 和 gf2MatrixSquare 是标准的 GF(2) 矩阵-向量乘法与矩阵自乘，
// 用于在只知道两段流各自 CRC 与第二段长度的情况下推导出拼接后整体的 CRC。
func gf2MatrixTimes(mat [64]uint64, vec uint64) uint64 {
	var sum uint64
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare(square, mat *[64]uint64) {
	for i := 0; i < 64; i++ {
		square[i] = gf2MatrixTimes(*mat, mat[i])
	}
}

// combineCrc64 实现标准的 CRC 组合算法：给定流 A 的 CRC、流 B 的 CRC 与流 B 的长度，
// 计算出 A++B 拼接后整体的 CRC，而不需要重新读取任一段原始字节。
// 算法与 zlib crc32_combine 同构，仅将多项式换成 CRC64(ECMA-182)。
func combineCrc64(crc1, crc2 uint64, len2 int64) uint64 {
	if len2 <= 0 {
		return crc1
	}

	var even, odd [64]uint64

	// odd 是对应 "乘以 x" 的操作矩阵，取 CRC64 的多项式本身。
	odd[0] = crc64.ECMA
	row := uint64(1)
	for n := 1; n < 64; n++ {
		odd[n] = row
		row <<= 1
	}

	gf2MatrixSquare(&even, &odd) // even = odd^2：乘以 x^2
	gf2MatrixSquare(&odd, &even) // odd = even^2：乘以 x^4

	crc1n := crc1
	n := uint64(len2)
	for n != 0 {
		gf2MatrixSquare(&even, &odd)
		if n&1 != 0 {
			crc1n = gf2MatrixTimes(even, crc1n)
		}
		n >>= 1
		if n == 0 {
			break
		}
		gf2MatrixSquare(&odd, &even)
		if n&1 != 0 {
			crc1n = gf2MatrixTimes(odd, crc1n)
		}
		n >>= 1
	}

	return crc1n ^ crc2
}

// combineCrc64Strings 是 combineCrc64 的字符串外壳，checkpoint 中的分片 CRC 以十进制字符串保存。
func combineCrc64Strings(a, b string, bLength int64) (string, error) {
	crc1, err := strconv.ParseUint(a, 10, 64)
	if err != nil {
		return "", err
	}
	if bLength <= 0 {
		return a, nil
	}
	crc2, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(combineCrc64(crc1, crc2, bLength), 10), nil
}
