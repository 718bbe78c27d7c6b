// Command xdnactl exercises the AIE2 mailbox protocol core against an
// emulated firmware.
package main

import (
	"os"

	"k8s.io/klog/v2"

	"github.com/tsingmao/xdna/cmd/xdnactl/app"
)

func main() {
	cmd := app.NewXdnactlCommand()
	err := cmd.Execute()
	klog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
