package main

import (
	"os"
)

import (
	"github.com/bdeggleston/epaxos/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
