package migrations

import "embed"

// Files 暴露各数据库方言的 SQL 迁移文件，目录名即方言名。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS
