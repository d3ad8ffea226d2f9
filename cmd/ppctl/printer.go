package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

func success(w io.Writer, format string, a ...any) {
	_, _ = green.Fprintf(w, format, a...)
}

func warn(w io.Writer, format string, a ...any) {
	_, _ = yellow.Fprintf(w, format, a...)
}

func failure(w io.Writer, format string, a ...any) {
	_, _ = red.Fprintf(w, format, a...)
}

func label(w io.Writer, key string, value any) {
	_, _ = cyan.Fprintf(w, "%-12s", key)
	fmt.Fprintf(w, " %v\n", value)
}
