// Package parser implements the unified result parser: given only an
// artifact directory, it finds the best available output file and
// converts it to the canonical schema, independent of which provider
// produced it. This is the layer that absorbs provider format drift
// without touching the runtimes.
package parser

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/foliosai/folios/internal/artifact"
	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/provider"
)

// Source labels recorded on CanonicalResult.Source, in priority order.
const (
	SourceStructured = "structured_file"
	SourceEmbedded   = "response_structured"
	SourceFenced     = "response_fenced_json"
	SourceBatch      = "batch_jsonl"
	SourceEmpty      = "empty"
)

// Unified parses any provider's artifact directory. It is a pure
// function over the directory contents: no data-model side effects.
type Unified struct{}

func New() *Unified { return &Unified{} }

// Parse applies the priority-ordered fallback chain. Only a directory
// where a candidate file exists but is unreadable/undecodable down to
// the last fallback yields a ParseError; a directory with no usable
// data at all yields a valid empty result, because "no actionable
// recommendations" is a legitimate provider response.
func (u *Unified) Parse(_ context.Context, tc provider.TaskContext) (domain.CanonicalResult, error) {
	dir := artifact.Dir(tc.ArtifactDir)

	// 1. Dedicated structured output file.
	if raw, err := os.ReadFile(dir.StructuredPath()); err == nil {
		doc, err := decodeObject(raw)
		if err != nil {
			return domain.CanonicalResult{}, provider.NewParseError("malformed %s: %v", artifact.StructuredFile, err)
		}
		return u.finish(tc, normalize(doc, SourceStructured)), nil
	}

	// 2./3. Raw response file: embedded structured field, then fenced block.
	if raw, err := os.ReadFile(dir.ResponsePath()); err == nil {
		doc, err := decodeObject(raw)
		if err != nil {
			return domain.CanonicalResult{}, provider.NewParseError("malformed %s: %v", artifact.ResponseFile, err)
		}
		if structured, ok := doc["structured"].(map[string]any); ok {
			return u.finish(tc, normalize(structured, SourceEmbedded)), nil
		}
		if fenced, ok := fencedJSON(responseText(doc)); ok {
			return u.finish(tc, normalize(fenced, SourceFenced)), nil
		}
		// A raw response may already be canonical-shaped.
		if _, ok := doc["recommendations"]; ok {
			return u.finish(tc, normalize(doc, SourceEmbedded)), nil
		}
	}

	// 4. Batch result stream: one JSON object per line.
	if path, ok := findBatchResults(string(dir)); ok {
		res, err := u.parseBatchJSONL(path)
		if err != nil {
			return domain.CanonicalResult{}, err
		}
		return u.finish(tc, res), nil
	}

	// 5. Nothing usable: valid empty output, not an error.
	return u.finish(tc, domain.CanonicalResult{
		Source:          SourceEmpty,
		Recommendations: []domain.Recommendation{},
	}), nil
}

// finish stamps provenance fields from the task context.
func (u *Unified) finish(tc provider.TaskContext, res domain.CanonicalResult) domain.CanonicalResult {
	if tc.Request != nil {
		res.Provider = tc.Request.ProviderID
		res.RequestID = tc.Request.ID.String()
		res.StrategyID = tc.Request.StrategyID.String()
	}
	if tc.Task != nil {
		res.TaskID = tc.Task.ID.String()
	}
	if res.Recommendations == nil {
		res.Recommendations = []domain.Recommendation{}
	}
	return res
}

func (u *Unified) parseBatchJSONL(path string) (domain.CanonicalResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.CanonicalResult{}, provider.NewParseError("open batch results: %v", err)
	}
	defer f.Close()

	var (
		entries []map[string]any
		lines   int
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lines++
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			return domain.CanonicalResult{}, provider.NewParseError("malformed JSON on batch results line %d: %v", lines, err)
		}
		entries = append(entries, collectRecommendations(record)...)
	}
	if err := scanner.Err(); err != nil {
		return domain.CanonicalResult{}, provider.NewParseError("read batch results: %v", err)
	}

	res := normalize(map[string]any{"recommendations": toAnySlice(entries)}, SourceBatch)
	if res.Metadata == nil {
		res.Metadata = map[string]string{}
	}
	res.Metadata["batch_lines"] = strconv.Itoa(lines)
	return res, nil
}

// collectRecommendations walks one batch record and accumulates every
// nested recommendations array it can find. Batch formats vary by
// provider, so all known nesting paths are tried.
func collectRecommendations(node any) []map[string]any {
	var out []map[string]any

	var walk func(node any)
	walk = func(node any) {
		switch v := node.(type) {
		case string:
			// Prose-embedded or stringified JSON payloads.
			if decoded, ok := looseJSON(v); ok {
				walk(decoded)
			}
		case []any:
			for _, item := range v {
				walk(item)
			}
		case map[string]any:
			if recs, ok := v["recommendations"].([]any); ok {
				for _, r := range recs {
					if m, ok := r.(map[string]any); ok {
						out = append(out, m)
					}
				}
			}
			// OpenAI json_schema responses wrap fields under "properties".
			if props, ok := v["properties"].(map[string]any); ok {
				walk(props)
			}
			// response.text carries a JSON string in legacy batch records.
			if resp, ok := v["response"].(map[string]any); ok {
				if text, ok := resp["text"].(string); ok {
					walk(text)
				}
				walk(resp["body"])
			}
			// OpenAI chat body: choices[].message.content.
			if choices, ok := v["choices"].([]any); ok {
				for _, c := range choices {
					cm, ok := c.(map[string]any)
					if !ok {
						continue
					}
					if msg, ok := cm["message"].(map[string]any); ok {
						walk(msg["content"])
					}
				}
			}
			// Gemini body: candidates[].content.parts[].text.
			if candidates, ok := v["candidates"].([]any); ok {
				for _, c := range candidates {
					if cm, ok := c.(map[string]any); ok {
						walk(cm["content"])
					}
				}
			}
			if parts, ok := v["parts"].([]any); ok {
				var chunks []string
				for _, p := range parts {
					if pm, ok := p.(map[string]any); ok {
						if text, ok := pm["text"].(string); ok {
							chunks = append(chunks, text)
						}
					}
				}
				if len(chunks) > 0 {
					walk(strings.Join(chunks, ""))
				}
			}
			for _, key := range []string{"data", "result", "output", "content"} {
				if nested, ok := v[key]; ok {
					walk(nested)
				}
			}
		}
	}
	walk(node)
	return out
}

// normalize converts a loosely-typed document into the canonical
// schema. Malformed entries inside an otherwise-valid array are skipped
// individually; the dropped count is attached to result metadata.
func normalize(doc map[string]any, source string) domain.CanonicalResult {
	res := domain.CanonicalResult{
		Source:          source,
		Recommendations: []domain.Recommendation{},
	}
	if summary, ok := doc["analysis_summary"].(string); ok {
		res.AnalysisSummary = summary
	}
	if mc, ok := doc["market_context"].(map[string]any); ok {
		res.MarketContext = normalizeMarketContext(mc)
	}

	dropped := 0
	if raw, ok := doc["recommendations"].([]any); ok {
		for _, item := range raw {
			entry, ok := item.(map[string]any)
			if !ok {
				dropped++
				continue
			}
			rec, ok := normalizeRecommendation(entry)
			if !ok {
				dropped++
				continue
			}
			res.Recommendations = append(res.Recommendations, rec)
		}
	}
	if dropped > 0 {
		res.Metadata = map[string]string{"dropped": strconv.Itoa(dropped)}
	}
	return res
}

func normalizeRecommendation(entry map[string]any) (domain.Recommendation, bool) {
	ticker, _ := entry["ticker"].(string)
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return domain.Recommendation{}, false
	}
	rawAction, _ := entry["action"].(string)
	action, ok := domain.ParseAction(rawAction)
	if !ok {
		return domain.Recommendation{}, false
	}

	rec := domain.Recommendation{Ticker: ticker, Action: action}

	if alloc, ok := asFloat(entry["allocation_percent"]); ok {
		rec.AllocationPercent = clamp(alloc, 0, 100)
	} else if alloc, ok := asFloat(entry["position_size_pct"]); ok {
		rec.AllocationPercent = clamp(alloc, 0, 100)
	}

	if conf, ok := asFloat(entry["confidence"]); ok {
		// Providers report either 0..1 or integer 0..100.
		if conf > 1 {
			conf /= 100
		}
		conf = clamp(conf, 0, 1)
		rec.Confidence = &conf
	}

	if rationale, ok := entry["rationale"].(string); ok {
		rec.Rationale = rationale
	} else if thesis, ok := entry["investment_thesis"].(string); ok {
		rec.Rationale = thesis
	}
	if name, ok := entry["company_name"].(string); ok {
		rec.CompanyName = name
	}
	if target, ok := asFloat(entry["target_price"]); ok {
		rec.TargetPrice = &target
	}
	return rec, true
}

func normalizeMarketContext(mc map[string]any) *domain.MarketContext {
	out := &domain.MarketContext{}
	if regime, ok := mc["market_regime"].(string); ok {
		out.MarketRegime = regime
	}
	out.KeyThemes = asStrings(mc["key_themes"])
	out.MacroRisks = asStrings(mc["macro_risks"])
	return out
}

// responseText pulls the free-form text out of a raw response document,
// checking the fields CLI executors are known to populate.
func responseText(doc map[string]any) string {
	for _, key := range []string{"result", "raw_stdout", "text"} {
		if s, ok := doc[key].(string); ok && s != "" {
			return s
		}
	}
	if cli, ok := doc["cli_output"].(map[string]any); ok {
		if s, ok := cli["response"].(string); ok {
			return s
		}
	}
	return ""
}

// fencedJSON extracts and parses the first ```json code block.
func fencedJSON(text string) (map[string]any, bool) {
	const marker = "```json"
	start := strings.Index(text, marker)
	if start == -1 {
		return nil, false
	}
	rest := text[start+len(marker):]
	end := strings.Index(rest, "```")
	if end == -1 {
		return nil, false
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(rest[:end])), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

// looseJSON decodes a string that may itself be JSON, possibly inside a
// fenced block.
func looseJSON(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, false
	}
	if fenced, ok := fencedJSON(trimmed); ok {
		return fenced, true
	}
	if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
		return nil, false
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return nil, false
	}
	return decoded, true
}

func findBatchResults(dir string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_batch_results.jsonl"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

func decodeObject(raw []byte) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return doc, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func toAnySlice(entries []map[string]any) []any {
	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	return out
}
