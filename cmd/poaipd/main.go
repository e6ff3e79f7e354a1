package main

import (
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/poaip/poaipd/cmd/poaipd/cli"
)

func main() {
	if err := cli.NewCLI().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
