// Package llm wraps the language model used as a classification oracle for
// forwarded agent messages. It supports OpenAI and Anthropic providers, a
// strict parse of the oracle's JSON reply, rate limiting, and a bounded
// retry wrapper that turns every failure into a tagged ExtractionFailure.
package llm
