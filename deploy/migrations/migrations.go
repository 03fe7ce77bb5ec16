// Package migrations embeds the SQL schema of the goal journal and parses it
// into ordered, versioned steps.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Migration 是一个版本号下的若干条 SQL 语句。
type Migration struct {
	Version    string
	Name       string
	Statements []string
}

// All 返回内嵌的全部迁移，按版本升序。
func All() ([]Migration, error) {
	return Load(files)
}

// Load 解析 fsys 根目录下的 NNNN_name.sql 文件。空文件被跳过，重复版本报错。
func Load(fsys fs.FS) ([]Migration, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("列出迁移文件失败: %w", err)
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		stmts := Split(string(raw))
		if len(stmts) == 0 {
			continue
		}
		version := versionOf(name)
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, prev, name)
		}
		seen[version] = name
		out = append(out, Migration{Version: version, Name: name, Statements: stmts})
	}
	return out, nil
}

// Split 按分号切分语句，并去掉 -- 开头的注释行。
func Split(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var stmts []string
	for _, part := range strings.Split(b.String(), ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

func versionOf(name string) string {
	base := strings.TrimSuffix(path.Base(name), ".sql")
	if v, _, ok := strings.Cut(base, "_"); ok && v != "" {
		return v
	}
	return base
}
