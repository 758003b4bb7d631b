// Package executor runs one agent as a bounded tool-calling loop.
//
// # Loop
//
// Each iteration sends the full message history to the inference client
// and acts on the stop reason:
//
//	end_turn    finish; the output is the assistant text of the run
//	tool_use    run every requested tool in order, append the results
//	max_tokens  keep the partial assistant turn and call again
//	other       finish
//
// The loop stops with ErrMaxIterationsExceeded after the configured number
// of model calls (50 by default). Model errors are returned as-is; the loop
// never retries a model or tool call.
//
// # Approval
//
// Tools the Gate reports as risky run only after an "Approve" answer. Any
// other answer or an unavailable gate skips the tool; an approval timeout
// is reported to the model as an error result. Either way the loop
// continues and the model can adapt.
//
// # Events
//
// agent_start, agent_complete and agent_error bracket the run. Every tool
// call publishes tool_use, with secrets redacted from its input, followed by
// one of tool_result, tool_error or tool_skipped.
package executor
