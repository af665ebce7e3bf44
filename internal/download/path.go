package download

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

const maxNameRunes = 250

// DirName 把标题转换为可用作目录/文件名的字符串：
// 去掉 \ / : * ? " < > | 以及点号和空白，最多保留 250 个字符。
func DirName(title string) string {
	var b strings.Builder
	n := 0
	for _, r := range title {
		if unicode.IsSpace(r) || strings.ContainsRune(`\/:*?"<>|.`, r) {
			continue
		}
		if n == maxNameRunes {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SaveDir 计算文章保存目录：{root}/[{account}/]{yyyy-MM-dd-}{title}。
func SaveDir(root, account, title string, dt time.Time) string {
	name := DirName(title)
	if name == "" {
		name = "无标题"
	}
	if !dt.IsZero() {
		name = dt.Format("2006-01-02") + "-" + name
	}
	if account != "" {
		if a := DirName(account); a != "" {
			return filepath.Join(root, a, name)
		}
	}
	return filepath.Join(root, name)
}

// TmpDir 为单篇文章的临时目录：{tmp}/{md5(url)}。
func TmpDir(tmp, contentURL string) string {
	sum := md5.Sum([]byte(contentURL))
	return filepath.Join(tmp, hex.EncodeToString(sum[:]))
}
