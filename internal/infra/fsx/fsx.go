// Package fsx 提供输出文件的原子替换与可选读取。
package fsx

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

// renameFunc 供测试替换。
var renameFunc = os.Rename

// ReadFileIfExists 读取文件；文件不存在时返回 (nil, false, nil)。
func ReadFileIfExists(path string) ([]byte, bool, error) {
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return b, true, nil
}

// WriteFileAtomic 在 dir 下原子写入 name，目标已存在则覆盖。
//
// 约束：
// - 临时文件与目标同目录（rename 才是原子的）
// - 临时文件 Sync 后再 rename；目录 Sync 为 best-effort
// - 任一步失败都会删除临时文件，目标保持旧内容
func WriteFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(dir, name)

	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("写入临时文件失败：%w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := renameFunc(tmpName, dst); err != nil {
		return fmt.Errorf("替换 %s 失败：%w", dst, err)
	}

	if runtime.GOOS != "windows" {
		if d, err := os.Open(dir); err == nil {
			_ = d.Sync()
			_ = d.Close()
		}
	}
	return nil
}
