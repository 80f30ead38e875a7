// Package transform turns structured deliverable content into user-facing
// display content. Results are cached per workspace, title, and content hash
// so the same deliverable is never sent to the model twice.
package transform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"taskforge/internal/domain/deliverable"
	"taskforge/internal/llm"
	"taskforge/internal/logging"
)

// Config bounds the transformer.
type Config struct {
	Timeout   time.Duration
	CacheSize int
	Model     string
}

// Result is one transformation outcome.
type Result struct {
	Content string
	Format  deliverable.DisplayFormat
	Quality float64
	Status  deliverable.TransformationStatus
}

// Provider is the optional model capability. When nil the transformer runs
// rule-based only.
type Provider interface {
	CompleteForWorkspace(ctx context.Context, workspaceID string, req *llm.Request) (*llm.Response, error)
}

// Transformer renders deliverable content for display.
type Transformer struct {
	provider Provider
	cache    *lru.Cache[string, *Result]
	cfg      Config
	logger   logging.Logger
}

// New builds a transformer. cacheSize <= 0 defaults to 1024 entries.
func New(provider Provider, cfg Config, logger logging.Logger) (*Transformer, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	cache, err := lru.New[string, *Result](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create transform cache: %w", err)
	}
	return &Transformer{
		provider: provider,
		cache:    cache,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
	}, nil
}

// CacheKey hashes the content together with the deliverable's business
// context, so identical content shown under a different title or workspace is
// rendered independently.
func CacheKey(d *deliverable.Deliverable) string {
	h := sha256.New()
	h.Write([]byte(d.WorkspaceID))
	h.Write([]byte{0})
	h.Write([]byte(d.Title))
	h.Write([]byte{0})
	h.Write(d.Content)
	return hex.EncodeToString(h.Sum(nil))
}

// Transform renders the deliverable's content. Empty content is skipped, a
// cache hit returns immediately, the model path is tried next, and the
// rule-based renderer covers model failure so a deliverable is never left
// without any display attempt.
func (t *Transformer) Transform(ctx context.Context, d *deliverable.Deliverable) *Result {
	trimmed := strings.TrimSpace(string(d.Content))
	if trimmed == "" || trimmed == "{}" || trimmed == "null" || trimmed == "[]" {
		return &Result{Status: deliverable.TransformSkipped}
	}

	key := CacheKey(d)
	if cached, ok := t.cache.Get(key); ok {
		return cached
	}

	var result *Result
	if t.provider != nil {
		result = t.transformWithModel(ctx, d)
	}
	if result == nil || result.Status != deliverable.TransformSuccess {
		fallback := t.transformWithRules(d)
		if fallback.Status == deliverable.TransformSuccess {
			result = fallback
		} else if result == nil {
			result = fallback
		}
	}

	if result.Status == deliverable.TransformSuccess {
		t.cache.Add(key, result)
	}
	return result
}

func (t *Transformer) transformWithModel(ctx context.Context, d *deliverable.Deliverable) *Result {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	req := &llm.Request{
		Model: t.cfg.Model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "Render the following structured content as clean, well-organized Markdown for a business reader. Output only the Markdown."},
			{Role: llm.RoleUser, Content: fmt.Sprintf("Title: %s\n\nContent:\n%s", d.Title, string(d.Content))},
		},
	}
	resp, err := t.provider.CompleteForWorkspace(ctx, d.WorkspaceID, req)
	if err != nil {
		t.logger.Warn("model transform for deliverable %s failed: %v", d.ID, err)
		return &Result{Status: deliverable.TransformFailed}
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return &Result{Status: deliverable.TransformFailed}
	}
	return &Result{
		Content: content,
		Format:  deliverable.FormatMarkdown,
		Quality: 0.9,
		Status:  deliverable.TransformSuccess,
	}
}

// transformWithRules renders known content shapes mechanically: record lists
// become tables, email-shaped objects become header plus body, plan-shaped
// objects become numbered steps, and anything else becomes fenced JSON.
func (t *Transformer) transformWithRules(d *deliverable.Deliverable) *Result {
	var payload map[string]any
	if err := json.Unmarshal(d.Content, &payload); err != nil {
		var records []map[string]any
		if err := json.Unmarshal(d.Content, &records); err == nil && len(records) > 0 {
			return &Result{
				Content: renderTable(records),
				Format:  deliverable.FormatMarkdown,
				Quality: 0.6,
				Status:  deliverable.TransformSuccess,
			}
		}
		return &Result{Status: deliverable.TransformFailed}
	}

	switch {
	case hasRecords(payload):
		records := toRecords(payload["records"])
		return &Result{
			Content: renderTable(records),
			Format:  deliverable.FormatMarkdown,
			Quality: 0.6,
			Status:  deliverable.TransformSuccess,
		}
	case hasKeys(payload, "subject", "body"):
		content := fmt.Sprintf("**Subject:** %v\n\n%v", payload["subject"], payload["body"])
		return &Result{Content: content, Format: deliverable.FormatMarkdown, Quality: 0.6, Status: deliverable.TransformSuccess}
	case hasSteps(payload):
		return &Result{
			Content: renderSteps(payload),
			Format:  deliverable.FormatMarkdown,
			Quality: 0.6,
			Status:  deliverable.TransformSuccess,
		}
	default:
		pretty, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return &Result{Status: deliverable.TransformFailed}
		}
		return &Result{
			Content: "```json\n" + string(pretty) + "\n```",
			Format:  deliverable.FormatMarkdown,
			Quality: 0.4,
			Status:  deliverable.TransformSuccess,
		}
	}
}

func hasRecords(payload map[string]any) bool {
	records, ok := payload["records"].([]any)
	return ok && len(records) > 0
}

func hasSteps(payload map[string]any) bool {
	steps, ok := payload["steps"].([]any)
	return ok && len(steps) > 0
}

func hasKeys(payload map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := payload[key]; !ok {
			return false
		}
	}
	return true
}

func toRecords(value any) []map[string]any {
	items, ok := value.([]any)
	if !ok {
		return nil
	}
	var records []map[string]any
	for _, item := range items {
		if record, ok := item.(map[string]any); ok {
			records = append(records, record)
		}
	}
	return records
}

func renderTable(records []map[string]any) string {
	if len(records) == 0 {
		return ""
	}

	columnSet := make(map[string]bool)
	for _, record := range records {
		for key := range record {
			columnSet[key] = true
		}
	}
	columns := make([]string, 0, len(columnSet))
	for key := range columnSet {
		columns = append(columns, key)
	}
	sort.Strings(columns)

	var b strings.Builder
	b.WriteString("| " + strings.Join(columns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(columns)) + "\n")
	for _, record := range records {
		cells := make([]string, len(columns))
		for i, col := range columns {
			if v, ok := record[col]; ok && v != nil {
				cells[i] = strings.ReplaceAll(fmt.Sprintf("%v", v), "|", "\\|")
			}
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return b.String()
}

func renderSteps(payload map[string]any) string {
	var b strings.Builder
	if title, ok := payload["title"].(string); ok && title != "" {
		b.WriteString("## " + title + "\n\n")
	}
	steps, _ := payload["steps"].([]any)
	for i, step := range steps {
		switch v := step.(type) {
		case string:
			fmt.Fprintf(&b, "%d. %s\n", i+1, v)
		case map[string]any:
			name, _ := v["name"].(string)
			if name == "" {
				name, _ = v["description"].(string)
			}
			fmt.Fprintf(&b, "%d. %s\n", i+1, name)
		default:
			fmt.Fprintf(&b, "%d. %v\n", i+1, v)
		}
	}
	return b.String()
}
