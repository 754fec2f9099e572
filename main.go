package main

import "github.com/diffsec/vxdb/cmd"

func main() {
	cmd.Execute()
}
