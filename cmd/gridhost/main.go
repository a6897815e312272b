package main

import (
	"github.com/pkarpov/gridhost/cmd/gridhost/cmd"
)

func main() {
	cmd.Execute()
}
