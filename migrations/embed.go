// Package migrations 内嵌 postgres 与 mysql 的建表脚本，供 cmd/migrate 执行。
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed postgres/*.sql mysql/*.sql
var FS embed.FS

// Dialects 是支持的数据库类型
var Dialects = []string{"postgres", "mysql"}

// Files 返回指定方言与方向的迁移文件名，up 按版本升序，down 按版本降序
func Files(dialect, action string) ([]string, error) {
	if action != "up" && action != "down" {
		return nil, fmt.Errorf("unsupported action: %s", action)
	}
	matches, err := fs.Glob(FS, fmt.Sprintf("%s/*.%s.sql", dialect, action))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no %s migrations for dialect %s", action, dialect)
	}
	sort.Strings(matches)
	if action == "down" {
		sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	}
	return matches, nil
}

// Statements 读取迁移文件并拆分为可逐条执行的语句
func Statements(name string) ([]string, error) {
	content, err := FS.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return SplitStatements(string(content)), nil
}

// SplitStatements 按分号分割 SQL，忽略字符串与行注释中的分号
func SplitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	var inString, inComment bool
	var stringChar rune

	flush := func() {
		stmt := strings.TrimSpace(stripComments(current.String()))
		if stmt != "" {
			statements = append(statements, stmt)
		}
		current.Reset()
	}

	runes := []rune(sql)
	for i, r := range runes {
		switch {
		case inComment:
			current.WriteRune(r)
			if r == '\n' {
				inComment = false
			}
		case inString:
			current.WriteRune(r)
			if r == stringChar {
				inString = false
			}
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inComment = true
			current.WriteRune(r)
		case r == '\'' || r == '"' || r == '`':
			inString = true
			stringChar = r
			current.WriteRune(r)
		case r == ';':
			current.WriteRune(r)
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()

	return statements
}

// stripComments 去掉整行的 -- 注释
func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
