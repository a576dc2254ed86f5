// agentctl - command line client for agentd
package main

import "github.com/ashureev/agentd/internal/cli"

func main() {
	cli.Execute()
}
