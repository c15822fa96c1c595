package main

import (
	"github.com/eunomia-project/eunomia/internal/cli"
)

func main() {
	cli.Execute()
}
