package statemachine

// Design note: Status::Again.
//
// Again means "the phase has more to send but isn't done". The handler
// keeps Output populated with the next chunk and the same Task stays in
// play — Step loops PRE_ACTION/WORKER_ACTION/POST_ACTION back on itself
// (see the {Again -> runResponse -> same state} rows) rather than
// re-entering CHK_*_ACTION. RespondAndDie(body, die=false) is the
// Runtime's contract point: on Again it hands body to the response
// writer's WriteChunk and leaves the connection and Task alive for the
// next Again/terminal Status; on any other status it finalizes the
// response and the Task. This keeps a single Task object and a single
// response writer spanning every Again chunk instead of spinning up a new
// request per chunk, matching how the original keeps one BaseTaskPtr
// alive across repeated Again returns. The fasthttp writer in
// internal/supernode buffers the chunks: the client receives every Again
// chunk and the final body together in one response, not as a chunked
// transfer.
