// foldermcp turns local folders into a semantically searchable corpus
// served to MCP clients.
package main

import (
	"os"

	"github.com/Aman-CERP/foldermcp/cmd/foldermcp/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
