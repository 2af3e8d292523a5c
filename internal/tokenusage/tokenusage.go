// Package tokenusage implements the token usage extractor (C3): pulling
// {inputTokens, outputTokens} out of a provider's raw JSON response body,
// regardless of which of the several shapes the pack's providers use for it.
// A typed SDK response (openai-go, anthropic-sdk-go, genai) already carries
// its own usage fields — this package exists for the raw/streaming/unknown
// path, where all we have is a decoded JSON map, and for filling the gaps a
// typed SDK leaves (Google's SDK omits cached-token accounting some NIM
// deployments report, for instance).
package tokenusage

import (
	"net/http"
	"strconv"
)

// Confidence grades how directly a usage figure was obtained.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Result is the extractor's output. Available is false when no usage
// information could be found or estimated — the extractor never errors, it
// signals absence instead so a caller can proceed without token accounting.
type Result struct {
	Available    bool
	InputTokens  int
	OutputTokens int
	Confidence   Confidence
	// Source names the shape/path the figures came from, e.g.
	// "openai.usage", "anthropic.usage", "google.usage",
	// "derived.subtraction", "estimate.length_ratio".
	Source string
}

// shape describes one provider's usage field names, tried in order.
type shape struct {
	name              string
	inputKey          string
	outputKey         string
	totalKey          string
	nested            []string // path to descend into before reading keys, e.g. ["usage"]
}

// shapes is tried in order; the first one where at least one of
// input/output/total is present under its field names wins.
var shapes = []shape{
	{name: "openai", inputKey: "prompt_tokens", outputKey: "completion_tokens", totalKey: "total_tokens", nested: []string{"usage"}},
	{name: "anthropic", inputKey: "input_tokens", outputKey: "output_tokens", nested: []string{"usage"}},
	{name: "google", inputKey: "promptTokenCount", outputKey: "candidatesTokenCount", totalKey: "totalTokenCount", nested: []string{"usageMetadata"}},
	{name: "nvidia", inputKey: "prompt_tokens", outputKey: "completion_tokens", totalKey: "total_tokens", nested: []string{"metadata", "usage"}},
	// Top-level fallback: some NIM-hosted and self-hosted OpenAI-compatible
	// endpoints put usage directly on the response rather than nested.
	{name: "flat", inputKey: "prompt_tokens", outputKey: "completion_tokens", totalKey: "total_tokens", nested: nil},
}

// nvidiaHeaderShapes lists the response-header names NIM-hosted and
// self-hosted NVIDIA endpoints have been observed to carry usage counts
// under, tried in order. Some deployments omit usage from the JSON body
// entirely and report it only as headers.
var nvidiaHeaderShapes = []shape{
	{name: "nvidia.header", inputKey: "X-Prompt-Tokens", outputKey: "X-Completion-Tokens", totalKey: "X-Total-Tokens"},
	{name: "nvidia.header", inputKey: "Nv-Input-Tokens", outputKey: "Nv-Output-Tokens", totalKey: "Nv-Total-Tokens"},
}

// Extract walks raw in shape order and returns the first usable reading,
// deriving a missing half by subtraction from the total when possible.
// headers is consulted, after the body shapes, for providers (NVIDIA NIM
// deployments chief among them) that stash usage counts in response headers
// rather than the JSON body; pass nil when no response headers are available
// (e.g. re-deriving usage from an already-cached body). promptChars/
// completionChars feed the last-resort length-ratio estimate when nothing
// else yields a reading — pass 0 when unknown.
func Extract(raw map[string]any, headers http.Header, promptChars, completionChars int) Result {
	for _, s := range shapes {
		node := descend(raw, s.nested)
		if node == nil {
			continue
		}
		in, inOK := readInt(node, s.inputKey)
		out, outOK := readInt(node, s.outputKey)
		total, totalOK := readInt(node, s.totalKey)

		if r, ok := fromTriple(s.name, in, inOK, out, outOK, total, totalOK); ok {
			return r
		}
	}

	if len(headers) > 0 {
		for _, s := range nvidiaHeaderShapes {
			in, inOK := readIntHeader(headers, s.inputKey)
			out, outOK := readIntHeader(headers, s.outputKey)
			total, totalOK := readIntHeader(headers, s.totalKey)

			if r, ok := fromTriple(s.name, in, inOK, out, outOK, total, totalOK); ok {
				return r
			}
		}
	}

	if promptChars > 0 || completionChars > 0 {
		return estimateByLength(promptChars, completionChars)
	}
	return Result{Available: false}
}

// fromTriple assembles a Result from whichever of input/output/total a shape
// managed to read, shared by both the body-shape and header-shape walks.
func fromTriple(name string, in int, inOK bool, out int, outOK bool, total int, totalOK bool) (Result, bool) {
	switch {
	case inOK && outOK:
		return Result{Available: true, InputTokens: in, OutputTokens: out, Confidence: ConfidenceHigh, Source: name + ".usage"}, true
	case inOK && totalOK:
		return Result{Available: true, InputTokens: in, OutputTokens: max0(total - in), Confidence: ConfidenceMedium, Source: "derived.subtraction"}, true
	case outOK && totalOK:
		return Result{Available: true, InputTokens: max0(total - out), OutputTokens: out, Confidence: ConfidenceMedium, Source: "derived.subtraction"}, true
	case inOK:
		return Result{Available: true, InputTokens: in, OutputTokens: 0, Confidence: ConfidenceMedium, Source: name + ".partial"}, true
	case outOK:
		return Result{Available: true, InputTokens: 0, OutputTokens: out, Confidence: ConfidenceMedium, Source: name + ".partial"}, true
	case totalOK:
		// Only a combined total, no split: guess an even split rather than
		// attributing everything to one side.
		return Result{Available: true, InputTokens: total / 2, OutputTokens: total - total/2, Confidence: ConfidenceLow, Source: name + ".total_only"}, true
	default:
		return Result{}, false
	}
}

// charsPerToken is a rough English-text average used only as a last resort.
const charsPerToken = 4.0

func estimateByLength(promptChars, completionChars int) Result {
	return Result{
		Available:    true,
		InputTokens:  int(float64(promptChars) / charsPerToken),
		OutputTokens: int(float64(completionChars) / charsPerToken),
		Confidence:   ConfidenceLow,
		Source:       "estimate.length_ratio",
	}
}

func descend(raw map[string]any, path []string) map[string]any {
	cur := raw
	for _, key := range path {
		next, ok := cur[key]
		if !ok {
			return nil
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil
		}
		cur = m
	}
	return cur
}

func readInt(node map[string]any, key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	v, ok := node[key]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// readIntHeader reads a single-valued integer header, e.g. "X-Prompt-Tokens".
// Absent or non-numeric headers report not-ok rather than erroring, matching
// readInt's posture that a missing field is simply unavailable.
func readIntHeader(headers http.Header, key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	v := headers.Get(key)
	if v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// StreamTracker accumulates usage across a sequence of streamed chunks,
// keeping only the most recent reading — providers that report usage on
// streamed responses (OpenAI's stream_options.include_usage, Anthropic's
// message_delta event) emit it once, on the final chunk, and earlier chunks
// carry none.
type StreamTracker struct {
	last Result
}

// Observe records a usage reading extracted from one streamed chunk. Chunks
// with Available == false do not overwrite a previously observed reading.
func (t *StreamTracker) Observe(r Result) {
	if r.Available {
		t.last = r
	}
}

// Final returns the last observed reading, or the unavailable zero value if
// no chunk ever carried usage.
func (t *StreamTracker) Final() Result {
	return t.last
}
