package main

import (
	"github.com/pkarpov/gridhost/cmd/gridhost-module/cmd"
)

func main() {
	cmd.Execute()
}
