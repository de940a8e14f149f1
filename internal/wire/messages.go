// Package wire defines the request/response message set the master
// serves, and the framing it rides over. Transport is net/rpc, whose
// gob-encoded, length-prefixed frames realize the "length-framed binary
// protocol" spec.md calls for without requiring a code-generation step
// this exercise cannot run (see DESIGN.md).
package wire

import "github.com/pinwheel-sh/pinwheel/internal/token"

// ErrorCode enumerates the three caller-visible failure kinds a
// transaction can surface (spec.md §6/§7). TRANSPORT, STORE_FAILURE, and
// EXECUTION_FAILURE are not ErrorCode values: TRANSPORT never reaches the
// master (it is a client-side condition), STORE_FAILURE is fatal (the
// master process aborts instead of returning), and EXECUTION_FAILURE is a
// worker-local job-execution outcome, not a master RPC error.
type ErrorCode string

const (
	InputError      ErrorCode = "INPUT_ERROR"
	NotFound        ErrorCode = "NOT_FOUND"
	VersionConflict ErrorCode = "VERSION_CONFLICT"
)

// MasterError is the error every master transaction returns on failure,
// realizing spec.md §6's TokenMasterException.
type MasterError struct {
	Code    ErrorCode
	Message string
}

func (e *MasterError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// AsError returns e as an error, or nil if e is nil — lets response
// structs carry an inline *MasterError while callers still get ordinary
// nil-means-success error semantics.
func (e *MasterError) AsError() error {
	if e == nil {
		return nil
	}
	return e
}

// SubQuery is one of the N sub-queries a QueryRequest batches together.
type SubQuery struct {
	NamePrefix string
	MaxTokens  int
}

// QueryRequest implements spec.md §4.3.1.
type QueryRequest struct {
	Queries []SubQuery
}

// QueryResponse aligns Tokens[i] with QueryRequest.Queries[i]. Err carries
// a business-logic failure (INPUT_ERROR, NOT_FOUND, VERSION_CONFLICT):
// net/rpc's own error channel collapses any error into an opaque string,
// so every response that can fail this way carries its MasterError
// inline instead, preserving the code across the wire.
type QueryResponse struct {
	Tokens [][]token.Token
	Err    *MasterError
}

// GroupRequest implements spec.md §4.3.2.
type GroupRequest struct {
	NamePrefix  string
	GroupSuffix string
}

// GroupResponse maps each computed group to its member count.
type GroupResponse struct {
	Counts map[string]int64
	Err    *MasterError
}

// ModifyRequest implements spec.md §4.3.3.
type ModifyRequest struct {
	Updates []token.Token
	Deletes []token.Token
}

// ModifyResponse returns the updated tokens with their assigned versions,
// in the same order as ModifyRequest.Updates.
type ModifyResponse struct {
	Updates []token.Token
	Err     *MasterError
}

// ArchiveRequest implements spec.md §4.3.4.
type ArchiveRequest struct {
	Tokens []token.Token
}

// ArchiveResponse carries only a possible error per spec.md §6.
type ArchiveResponse struct {
	Err *MasterError
}

// QueryAndOwnRequest implements spec.md §4.3.5.
type QueryAndOwnRequest struct {
	Query          SubQuery
	Owner          string
	ExpirationTime int64
}

// QueryAndOwnResponse returns the newly owned tokens.
type QueryAndOwnResponse struct {
	Tokens []token.Token
	Err    *MasterError
}
