package main

import "github.com/featherdev/feather/internal/cmd"

// version is set via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if version != "" {
		cmd.Version = version
	}
	cmd.Execute()
}
