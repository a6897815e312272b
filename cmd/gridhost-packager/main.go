package main

import (
	"github.com/pkarpov/gridhost/cmd/gridhost-packager/cmd"
)

func main() {
	cmd.Execute()
}
