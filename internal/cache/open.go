package cache

import (
	"fmt"
	"strings"
)

const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
)

// Open 按驱动名构建 Storage，未知驱动返回错误。
func Open(driver, basePath string) (Storage, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewStore(basePath)
	case DriverSQLite:
		return NewSQLiteStore(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
