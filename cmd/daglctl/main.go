// Command daglctl is the operator CLI for daglnode.
package main

import "github.com/daglnode/daglnode/cmd/cli"

func main() {
	cli.Execute()
}
