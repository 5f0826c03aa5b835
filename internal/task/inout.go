package task

import "net/http"

// Input is the HTTP-shaped request buffer a task carries into each phase.
// On Forward, Input is overwritten with the upstream's HTTP reply before
// the state machine resumes at POST_ACTION (the original's "pay attention,
// input is output and vice versa").
type Input struct {
	Body     []byte
	Method   string
	URI      string
	Query    string
	Headers  http.Header
	RespCode int
}

func (in *Input) Reset() {
	in.Body = nil
	in.Method = ""
	in.URI = ""
	in.Query = ""
	in.Headers = nil
	in.RespCode = 0
}

// Assign overwrites in with the contents of an Output, the hand-off that
// happens whenever a phase returns Ok/Forward and a further phase exists.
func (in *Input) Assign(out *Output) {
	in.Body = out.Body
	in.URI = out.URI
	in.Headers = out.Headers
	in.RespCode = out.RespCode
}

// Output is the mutable response/forward buffer a handler phase writes to.
// URI additionally names an upstream destination ($name substitution, or a
// path merged over the default cryptonode address) when the task is headed
// to Forward.
type Output struct {
	Body         []byte
	URI          string
	Path         string
	Query        string
	Headers      http.Header
	ExtraHeaders string // newline-joined "Header: value" pairs not modeled by Headers
	RespCode     int
}

// Data returns the response body as a string, mirroring Output::data() in
// the original, used whenever the task's final response is written back.
func (out *Output) Data() string { return string(out.Body) }

func (out *Output) Reset() {
	*out = Output{}
}
