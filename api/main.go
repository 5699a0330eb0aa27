package main

import (
	"github.com/joho/godotenv"

	"github.com/raidlink/raidlink/api/cmd/raidlink"
)

func main() {
	_ = godotenv.Load()
	raidlink.Execute()
}
