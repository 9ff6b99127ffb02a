package main

import (
	"fmt"
	"os"

	"github.com/turtacn/vigil/internal/cli"
	"github.com/turtacn/vigil/pkg/logger"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Panic recovered", "panic", r)
			os.Exit(2)
		}
	}()

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vigil:", err)
		os.Exit(1)
	}
}

// Personal.AI order the ending
