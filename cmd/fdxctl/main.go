package main

import (
	"log"

	"github.com/austindbirch/harbor_fdx/cmd/fdxctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
