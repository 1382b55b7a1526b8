// Package library 实现曲库同步核心：文件索引、变更租约、动作日志、本地持久队列与对账
package library

import (
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// FormatChecksum CRC32 的 8 位小写十六进制表示
func FormatChecksum(sum uint32) string {
	return fmt.Sprintf("%08x", sum)
}

// Checksum 计算 r 全部字节的 CRC32
func Checksum(r io.Reader) (string, int64, error) {
	h := crc32.NewIEEE()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return FormatChecksum(h.Sum32()), n, nil
}

// ChecksumFile 计算文件的 CRC32
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	sum, _, err := Checksum(f)
	return sum, err
}
