package sqlstore

import (
	stdErrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
)

const (
	mysqlDuplicateEntry         = 1062
	sqliteConstraintPrimaryKey  = 1555
	sqliteConstraintUniqueIndex = 2067
)

// IsDuplicateKey 判断错误是否由主键或唯一索引冲突引起。
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlDuplicateEntry
	}
	var sqliteErr *sqlite.Error
	if stdErrors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqliteConstraintPrimaryKey, sqliteConstraintUniqueIndex:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
