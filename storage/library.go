package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const tempPrefix = ".pmp-"

var (
	// ErrInvalidName 文件名为空、包含路径分隔符或是保留名
	ErrInvalidName = errors.New("invalid library filename")
	// ErrNotExist 曲库中没有该文件
	ErrNotExist = errors.New("file not in library")
)

// FileInfo 曲库目录中的一个文件
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Library 一个扁平的曲库目录，写入总是先写临时文件再 rename
type Library struct {
	dir string
}

// NewLibrary 打开（必要时创建）曲库目录，并清理上次遗留的临时文件
func NewLibrary(dir string) (*Library, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建曲库目录失败: %w", err)
	}
	lib := &Library{dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("读取曲库目录失败: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return lib, nil
}

func (l *Library) Dir() string { return l.dir }

// ValidateName 只接受目录内的普通文件名
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00\n\r"):
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.HasPrefix(name, tempPrefix):
		return fmt.Errorf("%w: reserved prefix", ErrInvalidName)
	}
	return nil
}

// Path 返回文件的完整路径
func (l *Library) Path(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(l.dir, name), nil
}

// Stat 不存在时返回 ErrNotExist
func (l *Library) Stat(name string) (FileInfo, error) {
	path, err := l.Path(name)
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, ErrNotExist
		}
		return FileInfo{}, err
	}
	return FileInfo{Name: name, Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Open 打开文件读取
func (l *Library) Open(name string) (*os.File, error) {
	path, err := l.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return f, nil
}

// List 按文件名排序列出普通文件，跳过临时文件与子目录
func (l *Library) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var files []FileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() || ValidateName(e.Name()) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// CreateTemp 在曲库目录内创建临时文件，保证后续 rename 在同一文件系统
func (l *Library) CreateTemp() (*os.File, error) {
	return os.CreateTemp(l.dir, tempPrefix+"upload-*")
}

// Discard 删除临时文件
func (l *Library) Discard(tmp *os.File) {
	tmp.Close()
	os.Remove(tmp.Name())
}

// Install 把已写完的临时文件原子地放到 name
func (l *Library) Install(tmp *os.File, name string) error {
	path, err := l.Path(name)
	if err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("安装文件失败: %w", err)
	}
	return nil
}

// WriteAtomic 从 r 读取全部内容并原子写入 name
func (l *Library) WriteAtomic(name string, r io.Reader) (int64, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	tmp, err := l.CreateTemp()
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		l.Discard(tmp)
		return n, fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := l.Install(tmp, name); err != nil {
		return n, err
	}
	return n, nil
}

// Remove 删除文件，不存在时返回 ErrNotExist
func (l *Library) Remove(name string) error {
	path, err := l.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return err
	}
	return nil
}

// Stashed 被暂时移开的文件，提交成功后 Drop，失败时 Restore 放回原名
type Stashed struct {
	path string
	tmp  string
}

// Stash 把 name 改名为目录内的临时文件，不存在时返回 ErrNotExist
func (l *Library) Stash(name string) (*Stashed, error) {
	path, err := l.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(l.dir, tempPrefix+"stash-*")
	if err != nil {
		return nil, err
	}
	f.Close()
	if err := os.Rename(path, f.Name()); err != nil {
		os.Remove(f.Name())
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("暂存文件失败: %w", err)
	}
	return &Stashed{path: path, tmp: f.Name()}, nil
}

// Restore 放回原名，覆盖期间写入的同名文件
func (s *Stashed) Restore() error {
	if err := os.Rename(s.tmp, s.path); err != nil {
		return fmt.Errorf("恢复暂存文件失败: %w", err)
	}
	return nil
}

// Drop 删除暂存的旧文件
func (s *Stashed) Drop() error {
	return os.Remove(s.tmp)
}
