package main

import (
	"go-kemono-download/cmd/kemono-downloader/cmd"
)

func main() {
	// Execute the root command (defined in cmd/root.go)
	cmd.Execute()
}
