package main

import "github.com/treeverse/clusterkv/cmd/kvbench/cmd"

func main() {
	cmd.Execute()
}
