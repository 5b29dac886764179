package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/danmuck/rfcctl/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("rfcctl: "+err.Error()))
		os.Exit(1)
	}
}

func red(s string) string {
	return color.New(color.FgHiRed).SprintFunc()(s)
}

func green(s string) string {
	return color.New(color.FgHiGreen).SprintFunc()(s)
}

func cyan(s string) string {
	return color.New(color.FgHiCyan).SprintFunc()(s)
}
