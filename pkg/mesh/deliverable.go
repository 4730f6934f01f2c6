package mesh

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docmesh/docmesh/pkg/sync"
)

// Deliverable 是一条可被 peer 或 UI 检索的本地资产元数据，不含内容。
// 文档条目的 kind 是文档类型，文件条目的 kind 固定为 "file"。
type Deliverable struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Size        int64     `json:"size"`
	ModifiedAt  time.Time `json:"modified_at"`
	ContentType string    `json:"content_type,omitempty"`
}

// FileVault 在一组固定根目录下提供只读文件访问。
// 相对路径的解析结果必须落在某个根目录内部，逃出根目录的路径
// 与不存在的路径得到同一个 ErrNotFound，外部无法借错误差异探测布局。
type FileVault struct {
	roots    []string
	rejected uint64
}

// NewFileVault 创建文件库。空白根会被忽略；其余必须是已存在的目录。
func NewFileVault(roots ...string) (*FileVault, error) {
	v := &FileVault{}
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			continue
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("解析根目录 %s 失败: %w", root, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("根目录 %s 不可用: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("根目录 %s 不是目录", root)
		}
		v.roots = append(v.roots, abs)
	}
	return v, nil
}

// Roots 返回配置的根目录绝对路径。
func (v *FileVault) Roots() []string {
	out := make([]string, len(v.roots))
	copy(out, v.roots)
	return out
}

// TraversalRejects 返回被拒绝的越界路径尝试次数。
func (v *FileVault) TraversalRejects() uint64 {
	return atomic.LoadUint64(&v.rejected)
}

// List 遍历全部根目录并返回文件元数据。点号开头的文件与目录跳过。
func (v *FileVault) List() []Deliverable {
	var out []Deliverable
	for _, root := range v.roots {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") && path != root {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			out = append(out, Deliverable{
				ID:          filepath.ToSlash(rel),
				Kind:        "file",
				Size:        info.Size(),
				ModifiedAt:  info.ModTime().UTC(),
				ContentType: mime.TypeByExtension(filepath.Ext(path)),
			})
			return nil
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Open 按相对路径打开一个文件，返回内容流和元数据。
func (v *FileVault) Open(rel string) (io.ReadCloser, Deliverable, error) {
	path, err := v.resolve(rel)
	if err != nil {
		return nil, Deliverable{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, Deliverable{}, fmt.Errorf("file %s: %w", rel, ErrNotFound)
	}
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		f.Close()
		return nil, Deliverable{}, fmt.Errorf("file %s: %w", rel, ErrNotFound)
	}
	meta := Deliverable{
		ID:          filepath.ToSlash(filepath.Clean(rel)),
		Kind:        "file",
		Size:        info.Size(),
		ModifiedAt:  info.ModTime().UTC(),
		ContentType: mime.TypeByExtension(filepath.Ext(path)),
	}
	return f, meta, nil
}

// resolve 把调用方给的相对路径映射到某个根目录内的文件。
// 绝对路径与含 .. 逃逸的路径计入越界计数，但对外与不存在完全等价。
func (v *FileVault) resolve(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(strings.TrimSpace(rel)))
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("file %q: %w", rel, ErrNotFound)
	}
	escape := filepath.IsAbs(cleaned) ||
		cleaned == ".." ||
		strings.HasPrefix(cleaned, ".."+string(os.PathSeparator))
	if escape {
		atomic.AddUint64(&v.rejected, 1)
		log.Printf("[Vault] rejected path outside roots: %q", rel)
		return "", fmt.Errorf("file %q: %w", rel, ErrNotFound)
	}

	for _, root := range v.roots {
		candidate := filepath.Join(root, cleaned)
		// Join 之后再校验一次，守住根目录边界
		back, err := filepath.Rel(root, candidate)
		if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(os.PathSeparator)) {
			continue
		}
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("file %q: %w", rel, ErrNotFound)
}

// docDeliverables 把引擎的文档目录转成资产元数据。
func docDeliverables(e *sync.Engine) []Deliverable {
	statuses := e.Docs()
	out := make([]Deliverable, 0, len(statuses))
	for _, status := range statuses {
		coord, err := e.Doc(status.DocID)
		if err != nil {
			continue
		}
		var modified time.Time
		if ms, err := e.Log().LastModified(status.DocID); err == nil && ms > 0 {
			modified = time.UnixMilli(ms).UTC()
		}
		out = append(out, Deliverable{
			ID:         status.DocID,
			Kind:       status.Kind,
			Size:       contentSize(coord.Content()),
			ModifiedAt: modified,
		})
	}
	return out
}

func contentSize(content any) int64 {
	switch c := content.(type) {
	case string:
		return int64(len(c))
	default:
		raw, err := json.Marshal(c)
		if err != nil {
			return 0
		}
		return int64(len(raw))
	}
}
