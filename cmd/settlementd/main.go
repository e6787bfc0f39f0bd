package main

import (
	"log"

	"agentescrow/services/settlementd"
)

func main() {
	if err := settlementd.Main(); err != nil {
		log.Fatalf("settlementd: %v", err)
	}
}
