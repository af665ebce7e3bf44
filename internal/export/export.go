// 包 export 负责导出运行清单：每篇文章的结果与汇总统计写为 JSON。
package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"wechat-archiver/internal/model"
)

// ToJSON 将清单写入 JSON 文件（带缩进格式）；path 为空时不写。
func ToJSON(path string, m model.Manifest) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if m.Articles == nil {
		m.Articles = []model.ArticleResult{}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return fmt.Errorf("encode json to %s: %w", path, err)
	}
	return nil
}
