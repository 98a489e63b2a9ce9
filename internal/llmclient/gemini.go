package llmclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/config"
)

// CloudLocator serves cloud-API models through the Gemini SDK. A source
// resolves whenever an API key is configured.
type CloudLocator struct {
	logger *zap.Logger
	cfg    config.CloudConfig

	mu     sync.Mutex
	client *genai.Client
}

// NewCloudLocator builds a locator for cfg.
func NewCloudLocator(logger *zap.Logger, cfg config.CloudConfig) *CloudLocator {
	return &CloudLocator{logger: logger.Named("cloud"), cfg: cfg}
}

func (c *CloudLocator) Kind() config.SourceKind { return config.SourceCloudAPI }

// Locate accepts any model name once a credential is present.
func (c *CloudLocator) Locate(_ context.Context, src config.BackendSource) (string, error) {
	if c.cfg.APIKey == "" {
		return "", fmt.Errorf("%w: no credential in %s", ErrNoMatch, c.cfg.APIKeyEnv)
	}
	model := strings.TrimSpace(src.Match)
	if model == "" {
		return "", ErrNoMatch
	}
	return "cloud:" + model, nil
}

// Open returns a backend sharing one SDK client across models.
func (c *CloudLocator) Open(ctx context.Context, identity string, _ config.BackendSource) (schemas.Backend, error) {
	model, ok := strings.CutPrefix(identity, "cloud:")
	if !ok {
		return nil, fmt.Errorf("not a cloud identity: %q", identity)
	}
	client, err := c.sdkClient(ctx)
	if err != nil {
		return nil, err
	}
	return &geminiBackend{
		logger:   c.logger.With(zap.String("model", model)),
		models:   client.Models,
		model:    model,
		identity: identity,
		timeout:  c.cfg.RequestTimeout,
	}, nil
}

func (c *CloudLocator) sdkClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}
	c.client = client
	return client, nil
}

type geminiBackend struct {
	logger   *zap.Logger
	models   *genai.Models
	model    string
	identity string
	timeout  time.Duration
}

func (b *geminiBackend) Identity() string        { return b.identity }
func (b *geminiBackend) SupportsImages() bool    { return true }
func (b *geminiBackend) FoldsSystemPrompt() bool { return false }
func (b *geminiBackend) Close() error            { return nil }

// toGeminiContents splits system turns into the system instruction and maps
// the rest onto user and model turns with inline image parts.
func toGeminiContents(messages []schemas.Message) (*genai.Content, []*genai.Content, error) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m.Role == schemas.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == schemas.RoleAssistant {
			role = genai.RoleModel
		}
		parts := []*genai.Part{genai.NewPartFromText(m.Content)}
		for i, img := range m.Images {
			data, err := base64.StdEncoding.DecodeString(img)
			if err != nil {
				return nil, nil, fmt.Errorf("image %d is not valid base64: %w", i, err)
			}
			parts = append(parts, genai.NewPartFromBytes(data, http.DetectContentType(data)))
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	var instruction *genai.Content
	if len(system) > 0 {
		instruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	return instruction, contents, nil
}

// Generate streams content from the API, checking the interrupt flag
// between chunks.
func (b *geminiBackend) Generate(ctx context.Context, messages []schemas.Message, params schemas.GenerationParams) (string, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	instruction, contents, err := toGeminiContents(messages)
	if err != nil {
		return "", err
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: instruction,
		Temperature:       genai.Ptr(float32(params.Temperature)),
	}
	if params.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(params.MaxTokens)
	}

	start := time.Now()
	var out strings.Builder
	for resp, err := range b.models.GenerateContentStream(ctx, b.model, contents, cfg) {
		if err != nil {
			return out.String(), fmt.Errorf("gemini stream: %w", err)
		}
		if interrupted(params.Interrupt) {
			return out.String(), ErrInterrupted
		}
		out.WriteString(resp.Text())
	}

	b.logger.Debug("Cloud generation complete.", zap.Duration("duration", time.Since(start)), zap.Int("chars", out.Len()))
	return out.String(), nil
}
