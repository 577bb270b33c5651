// Package sandbox implements the restricted ambient environment plugin code
// runs in. The ambient surface is the set of named capabilities the engine
// exposes to the guest; each capability carries a policy deciding whether a
// call passes through, is forbidden, is delegated to an instrumented
// wrapper, or is substituted with a controlled equivalent.
//
// # Invocation contexts
//
// A Sandbox is per-worker and long-lived. Each invocation activates exactly
// one Context via Enter and deactivates it via Close. At most one context is
// active at a time; the context owns the invocation's timer set, its pending
// fetch records, and the cancel signal that neutralises leaked async work
// when the invocation ends.
//
// # Policy table
//
// The table is the core abstraction: engines bind every capability name to a
// guest-visible entry point and gate each call through Check. Capabilities
// absent from the surface behave like forbidden ones, so an engine cannot
// accidentally widen the surface by binding a name the table does not know.
package sandbox

// Policy classifies one ambient capability.
type Policy int

const (
	// PolicyAllow passes the capability through unchanged.
	PolicyAllow Policy = iota
	// PolicyForbid makes any use of the capability fail with
	// "<name> is not supported".
	PolicyForbid
	// PolicyWrap delegates the call to an instrumented wrapper.
	PolicyWrap
	// PolicyReplace substitutes the capability with a controlled
	// equivalent.
	PolicyReplace
)

func (p Policy) String() string {
	switch p {
	case PolicyAllow:
		return "allow"
	case PolicyForbid:
		return "forbid"
	case PolicyWrap:
		return "wrap"
	case PolicyReplace:
		return "replace"
	}
	return "unknown"
}

// Capability names of the ambient surface.
const (
	CapEval           = "eval"
	CapCompile        = "compile"
	CapQueueMicrotask = "queueMicrotask"
	CapProcess        = "process"
	CapClose          = "close"
	CapPostMessage    = "postMessage"
	CapOnMessage      = "onmessage"
	CapOnError        = "onerror"
	CapNavigator      = "navigator"

	CapFetch = "fetch"

	CapSetTimeout   = "setTimeout"
	CapClearTimeout = "clearTimeout"

	CapLog       = "log"
	CapNow       = "now"
	CapRandom    = "random"
	CapGetGlobal = "getGlobal"
)

// Surface maps capability names to policies.
type Surface map[string]Policy

// DefaultSurface returns the policy table applied to every worker: code
// evaluation, direct process access and worker-lifecycle manipulation are
// forbidden; outbound HTTP is wrapped; timers are replaced with tracked
// equivalents; pure primitives pass through.
func DefaultSurface() Surface {
	return Surface{
		CapEval:           PolicyForbid,
		CapCompile:        PolicyForbid,
		CapQueueMicrotask: PolicyForbid,
		CapProcess:        PolicyForbid,
		CapClose:          PolicyForbid,
		CapPostMessage:    PolicyForbid,
		CapOnMessage:      PolicyForbid,
		CapOnError:        PolicyForbid,
		CapNavigator:      PolicyForbid,

		CapFetch: PolicyWrap,

		CapSetTimeout:   PolicyReplace,
		CapClearTimeout: PolicyReplace,

		CapLog:       PolicyAllow,
		CapNow:       PolicyAllow,
		CapRandom:    PolicyAllow,
		CapGetGlobal: PolicyAllow,
	}
}

// NotSupportedError reports use of a forbidden (or unknown) capability.
type NotSupportedError struct {
	Name string
}

func (e *NotSupportedError) Error() string {
	return e.Name + " is not supported"
}

// Check gates a capability call. It returns a NotSupportedError for
// forbidden or unknown names and nil otherwise.
func (s Surface) Check(name string) error {
	p, ok := s[name]
	if !ok || p == PolicyForbid {
		return &NotSupportedError{Name: name}
	}
	return nil
}
