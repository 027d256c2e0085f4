package main

import (
	"fmt"

	"github.com/any-hub/offline-agent/internal/version"
)

// printVersion 输出注入的版本、提交与缓存代际。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
