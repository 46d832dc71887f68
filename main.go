package main

import (
	"github.com/BioHazard786/Huddle/cmd"
	"github.com/BioHazard786/Huddle/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
