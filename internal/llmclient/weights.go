package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/config"
)

// Launcher starts a model server for a weights file listening on addr and
// returns a function that stops it.
type Launcher func(ctx context.Context, weightsPath, addr string, contextLength int) (stop func() error, err error)

// WeightsLocator finds weights files on disk and serves each one through a
// lazily started OpenAI-compatible server process.
type WeightsLocator struct {
	logger   *zap.Logger
	cfg      config.WeightsConfig
	launch   Launcher
	client   *http.Client
	mu       sync.Mutex
	nextPort int
}

// NewWeightsLocator builds a locator over cfg.Dir. A nil launcher runs
// cfg.ServerBinary.
func NewWeightsLocator(logger *zap.Logger, cfg config.WeightsConfig, launch Launcher) *WeightsLocator {
	l := &WeightsLocator{
		logger:   logger.Named("weights"),
		cfg:      cfg,
		launch:   launch,
		client:   &http.Client{},
		nextPort: cfg.BasePort,
	}
	if l.launch == nil {
		l.launch = l.execServer
	}
	return l
}

func (w *WeightsLocator) Kind() config.SourceKind { return config.SourceWeightsFile }

// Locate returns the absolute path of the first file in the weights
// directory whose name contains the pattern, case-insensitively.
func (w *WeightsLocator) Locate(_ context.Context, src config.BackendSource) (string, error) {
	pattern := w.cfg.Pattern
	if pattern == "" {
		pattern = "*.gguf"
	}
	candidates, err := filepath.Glob(filepath.Join(w.cfg.Dir, pattern))
	if err != nil {
		return "", fmt.Errorf("globbing weights directory: %w", err)
	}
	needle := strings.ToLower(strings.TrimSpace(src.Match))
	if needle == "" {
		return "", ErrNoMatch
	}
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(filepath.Base(c)), needle) {
			abs, err := filepath.Abs(c)
			if err != nil {
				return "", fmt.Errorf("resolving %s: %w", c, err)
			}
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: %q in %s", ErrNoMatch, src.Match, w.cfg.Dir)
}

// Open allocates a port for the weights file. The server process starts on
// the first Generate call.
func (w *WeightsLocator) Open(_ context.Context, identity string, src config.BackendSource) (schemas.Backend, error) {
	if _, err := os.Stat(identity); err != nil {
		return nil, fmt.Errorf("weights file unavailable: %w", err)
	}
	w.mu.Lock()
	port := w.nextPort
	w.nextPort++
	w.mu.Unlock()

	host := w.cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return &weightsBackend{
		logger:   w.logger.With(zap.String("weights", filepath.Base(identity))),
		locator:  w,
		path:     identity,
		addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		vision:   src.Vision,
		ctxLen:   src.Params.ContextLength,
		client:   w.client,
		timeout:  w.cfg.RequestTimeout,
		startup:  w.cfg.StartupTimeout,
		identity: identity,
	}, nil
}

// execServer runs the configured server binary as a child process.
func (w *WeightsLocator) execServer(_ context.Context, weightsPath, addr string, contextLength int) (func() error, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	args := []string{"--model", weightsPath, "--host", host, "--port", port}
	if contextLength > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(contextLength))
	}
	// The server outlives the request that started it.
	cmd := exec.Command(w.cfg.ServerBinary, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", w.cfg.ServerBinary, err)
	}
	w.logger.Info("Model server started.", zap.String("weights", weightsPath), zap.String("addr", addr), zap.Int("pid", cmd.Process.Pid))
	return func() error {
		if err := cmd.Process.Kill(); err != nil {
			return err
		}
		_ = cmd.Wait()
		return nil
	}, nil
}

type weightsBackend struct {
	logger   *zap.Logger
	locator  *WeightsLocator
	path     string
	addr     string
	vision   bool
	ctxLen   int
	client   *http.Client
	timeout  time.Duration
	startup  time.Duration
	identity string

	mu      sync.Mutex
	started bool
	stop    func() error
}

func (b *weightsBackend) Identity() string        { return b.identity }
func (b *weightsBackend) SupportsImages() bool    { return b.vision }
func (b *weightsBackend) FoldsSystemPrompt() bool { return false }

func (b *weightsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started || b.stop == nil {
		return nil
	}
	b.started = false
	return b.stop()
}

// ensureServer starts the server once and waits for its health endpoint.
func (b *weightsBackend) ensureServer(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	stop, err := b.locator.launch(ctx, b.path, b.addr, b.ctxLen)
	if err != nil {
		return err
	}

	wait := b.startup
	if wait <= 0 {
		wait = 90 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if b.healthy(waitCtx) {
			b.started = true
			b.stop = stop
			return nil
		}
		select {
		case <-waitCtx.Done():
			if stop != nil {
				_ = stop()
			}
			return fmt.Errorf("model server for %s not ready: %w", filepath.Base(b.path), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (b *weightsBackend) healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+b.addr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIChatRequest struct {
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func toOpenAIMessages(messages []schemas.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		if len(m.Images) == 0 {
			out = append(out, openAIMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := []openAIContentPart{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			parts = append(parts, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: "data:image/jpeg;base64," + img},
			})
		}
		out = append(out, openAIMessage{Role: string(m.Role), Content: parts})
	}
	return out
}

// Generate streams a chat completion over server-sent events.
func (b *weightsBackend) Generate(ctx context.Context, messages []schemas.Message, params schemas.GenerationParams) (string, error) {
	if err := b.ensureServer(ctx); err != nil {
		return "", err
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	body, err := json.Marshal(openAIChatRequest{
		Messages:    toOpenAIMessages(messages),
		Stream:      true,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+b.addr+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("model server request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("model server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if interrupted(params.Interrupt) {
			return out.String(), ErrInterrupted
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data: [DONE]") {
			break
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return out.String(), fmt.Errorf("error unmarshalling stream response: %w", err)
		}
		for _, c := range chunk.Choices {
			out.WriteString(c.Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return out.String(), fmt.Errorf("reading model server stream: %w", err)
	}
	return out.String(), nil
}
