// Package agent contains the orchestration loop that turns a user message into
// tool invocations. The Router classifies the message, the Planner expands
// the intent into tool calls, the Executor runs them under credit, cache, rate
// limit and retry constraints, and the Analyzer decides whether to respond,
// fail or plan another iteration. The loop is bounded by a maximum iteration
// count and an outer turn deadline.
package agent
