package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/config"
)

// DaemonLocator finds models served by a local inference daemon speaking the
// Ollama HTTP API.
type DaemonLocator struct {
	logger *zap.Logger
	cfg    config.DaemonConfig
	probe  *http.Client
	client *http.Client
}

// NewDaemonLocator builds a locator for cfg.Host.
func NewDaemonLocator(logger *zap.Logger, cfg config.DaemonConfig) *DaemonLocator {
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &DaemonLocator{
		logger: logger.Named("daemon"),
		cfg:    cfg,
		probe:  &http.Client{Timeout: probeTimeout},
		client: &http.Client{},
	}
}

func (d *DaemonLocator) Kind() config.SourceKind { return config.SourceDaemon }

func (d *DaemonLocator) host() string { return strings.TrimRight(d.cfg.Host, "/") }

type daemonTags struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// Locate probes the daemon and matches pattern against its model list:
// exact name first, then prefix, then substring.
func (d *DaemonLocator) Locate(ctx context.Context, src config.BackendSource) (string, error) {
	host := d.host()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/api/tags", nil)
	if err != nil {
		return "", fmt.Errorf("building tags request: %w", err)
	}
	resp, err := d.probe.Do(req)
	if err != nil {
		return "", fmt.Errorf("daemon at %s not reachable: %w", host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("daemon at %s returned status %d", host, resp.StatusCode)
	}

	var tags daemonTags
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return "", fmt.Errorf("decoding daemon model list: %w", err)
	}
	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		name := m.Name
		if name == "" {
			name = m.Model
		}
		names = append(names, name)
	}

	model, ok := MatchModel(names, src.Match)
	if !ok {
		return "", fmt.Errorf("%w: %q among %d daemon models", ErrNoMatch, src.Match, len(names))
	}
	return "daemon:" + host + "/" + model, nil
}

// MatchModel picks a model name for pattern: exact (ignoring an implicit
// ":latest" tag), then prefix, then substring, all case-insensitive.
func MatchModel(names []string, pattern string) (string, bool) {
	p := strings.ToLower(strings.TrimSpace(pattern))
	if p == "" {
		return "", false
	}
	for _, n := range names {
		ln := strings.ToLower(n)
		if ln == p || ln == p+":latest" {
			return n, true
		}
	}
	for _, n := range names {
		if strings.HasPrefix(strings.ToLower(n), p) {
			return n, true
		}
	}
	for _, n := range names {
		if strings.Contains(strings.ToLower(n), p) {
			return n, true
		}
	}
	return "", false
}

// Open returns a backend for a daemon identity produced by Locate.
func (d *DaemonLocator) Open(_ context.Context, identity string, src config.BackendSource) (schemas.Backend, error) {
	rest, ok := strings.CutPrefix(identity, "daemon:")
	if !ok {
		return nil, fmt.Errorf("not a daemon identity: %q", identity)
	}
	// Model names may be namespaced ("user/model"), so split on the
	// configured host rather than the last slash.
	host := d.host()
	model, ok := strings.CutPrefix(rest, host+"/")
	if !ok || model == "" {
		return nil, fmt.Errorf("daemon identity %q does not belong to %s", identity, host)
	}
	return &daemonBackend{
		logger:   d.logger.With(zap.String("model", model)),
		client:   d.client,
		host:     host,
		model:    model,
		identity: identity,
		vision:   src.Vision,
		timeout:  d.cfg.RequestTimeout,
	}, nil
}

type daemonBackend struct {
	logger   *zap.Logger
	client   *http.Client
	host     string
	model    string
	identity string
	vision   bool
	timeout  time.Duration
}

func (b *daemonBackend) Identity() string        { return b.identity }
func (b *daemonBackend) SupportsImages() bool    { return b.vision }
func (b *daemonBackend) FoldsSystemPrompt() bool { return b.vision }
func (b *daemonBackend) Close() error            { return nil }

type daemonChatRequest struct {
	Model    string            `json:"model"`
	Messages []schemas.Message `json:"messages"`
	Stream   bool              `json:"stream"`
	Options  map[string]any    `json:"options,omitempty"`
}

type daemonChatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Generate streams a chat completion, checking the interrupt flag between
// chunks.
func (b *daemonBackend) Generate(ctx context.Context, messages []schemas.Message, params schemas.GenerationParams) (string, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	options := map[string]any{"temperature": params.Temperature}
	if params.ContextLength > 0 {
		options["num_ctx"] = params.ContextLength
	}
	if params.MaxTokens > 0 {
		options["num_predict"] = params.MaxTokens
	}
	body, err := json.Marshal(daemonChatRequest{Model: b.model, Messages: messages, Stream: true, Options: options})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.host+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("daemon chat request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("daemon chat returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if interrupted(params.Interrupt) {
			return out.String(), ErrInterrupted
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk daemonChatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return out.String(), fmt.Errorf("error unmarshalling stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return out.String(), fmt.Errorf("daemon error: %s", chunk.Error)
		}
		out.WriteString(chunk.Message.Content)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return out.String(), fmt.Errorf("reading daemon stream: %w", err)
	}

	b.logger.Debug("Daemon generation complete.", zap.Duration("duration", time.Since(start)), zap.Int("chars", out.Len()))
	return out.String(), nil
}
