package fmtt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/davecgh/go-spew/spew"
)

// dumper renders values without pointer addresses so output stays stable
// across runs and usable in log lines.
var dumper = &spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// Sdump renders a value as an indented dump, one value per call.
func Sdump(v any) string {
	return dumper.Sdump(v)
}

// ErrChain walks an error chain and renders each layer with its type.
func ErrChain(err error) string {
	if err == nil {
		return "<nil>"
	}

	var b strings.Builder
	i := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(&b, "[%d] %T: %v\n", i, e, e)
		i++
	}
	return b.String()
}

// PrintErrChain writes ErrChain to stdout. Debugging helper.
func PrintErrChain(err error) {
	fmt.Print(ErrChain(err))
}
