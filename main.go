// The main package for the gtm-audit executable.
package main

import (
	"github.com/tagaudit/gtm-audit-crawler/cmd"
)

func main() {
	cmd.Execute()
}
