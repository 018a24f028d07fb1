package protocol

// Version is the only request schema version this build understands.
const Version = 1

// Request is one command invocation sent from a RemoteClient to a coordinator.
// It is immutable once sent. The wire form is defined in wire.go.
type Request struct {
	Version int
	Argv    []string
	Options Options
}

// Options controls how the coordinator runs the command.
type Options struct {
	Dir           string
	Env           map[string]string // overrides on top of the agent's environment
	CaptureOutput bool
}

// Result is the outcome of one command. A non-zero ExitCode is ordinary data.
//
// Error is only set by a coordinator when the process could not be started at
// all; ExitCode is meaningless in that case.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Error    string
}

// NewRequest builds a current-version request. The argv slice and env map are
// copied so later mutation by the caller cannot leak into the request. An
// empty env map becomes nil, which is how it decodes on the other side.
func NewRequest(argv []string, opts Options) *Request {
	cp := Options{Dir: opts.Dir, CaptureOutput: opts.CaptureOutput}
	if len(opts.Env) > 0 {
		cp.Env = make(map[string]string, len(opts.Env))
		for k, v := range opts.Env {
			cp.Env[k] = v
		}
	}
	return &Request{
		Version: Version,
		Argv:    append([]string(nil), argv...),
		Options: cp,
	}
}

// Success reports whether the command ran and exited zero.
func (r *Result) Success() bool {
	return r.Error == "" && r.ExitCode == 0
}
