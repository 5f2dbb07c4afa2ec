package main

import "github.com/auditgh/auditgh/cmd"

func main() {
	cmd.Execute()
}
