package soap

import "fmt"

// Fault is an application-level failure the server encoded inside a
// structurally valid response. A fault is terminal; retrying the call
// cannot change the outcome.
type Fault struct {
	Code   string // structured service code, e.g. account.AUTH_FAILED
	Reason string // human-readable fault text
}

func (f *Fault) Error() string {
	if f.Code == "" {
		return fmt.Sprintf("server fault: %s", f.Reason)
	}
	return fmt.Sprintf("server fault %s: %s", f.Code, f.Reason)
}

// RPCError reports a call that still failed once every allowed attempt
// was spent.
type RPCError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// ProtocolError reports a well-formed response that violates a contract
// this client depends on, such as a continuation flag on an empty page.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol violation: %s", e.Op, e.Detail)
}
