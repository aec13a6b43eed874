package main

import (
	"fmt"

	"github.com/arf20/arfhttpd/internal/version"
)

// printVersion 输出版本、提交与 Go 运行时信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
