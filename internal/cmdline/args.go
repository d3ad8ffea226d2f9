package cmdline

// Args is the process argument list captured once at entry.
type Args struct {
	values []string
}

// Capture copies args; later changes to the caller's slice are not observed.
func Capture(args []string) *Args {
	values := make([]string, len(args))
	copy(values, args)
	return &Args{values: values}
}

// Values returns a copy of the captured arguments.
func (a *Args) Values() []string {
	if a == nil {
		return []string{}
	}
	out := make([]string, len(a.values))
	copy(out, a.values)
	return out
}

func (a *Args) Len() int {
	if a == nil {
		return 0
	}
	return len(a.values)
}
