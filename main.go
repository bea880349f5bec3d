package main

import (
	"github.com/billm/m2mipc/cmd"
)

func main() {
	cmd.Execute()
}
