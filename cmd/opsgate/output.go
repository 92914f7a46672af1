package main

import (
	"strings"

	"github.com/fatih/color"

	"github.com/jkaninda/opsgate/internal/domain"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func outcomeTag(o domain.Outcome) string {
	tag := "[" + string(o) + "]"
	switch o {
	case domain.OutcomeSuccess:
		return green(tag)
	case domain.OutcomeCancelled:
		return yellow(tag)
	default:
		return red(tag)
	}
}

// indent prefixes every line after the first.
func indent(s, prefix string) string {
	return strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n"+prefix)
}
