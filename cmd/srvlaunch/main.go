package main

import "os"

func main() {
	os.Exit(execute())
}

// execute runs the root command and returns the process exit code. When the
// server was started its exit code is passed through.
func execute() int {
	exitCode = 0
	if err := NewRootCmd().Execute(); err != nil {
		return 1
	}
	return exitCode
}
