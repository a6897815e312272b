package main

import (
	"github.com/pkarpov/gridhost/cmd/gridhost-installer/cmd"
)

func main() {
	cmd.Execute()
}
