package main

import (
	moltgate "github.com/whisper-darkly/moltgate"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	moltgate.RunCLI(version, commit)
}
