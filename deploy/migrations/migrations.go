package migrations

import "embed"

// Files 暴露账户存储所需的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
