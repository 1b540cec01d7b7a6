package main

import "github.com/polarsignals/localexchange/cmd/exchange-bench/cmd"

func main() {
	cmd.Execute()
}
