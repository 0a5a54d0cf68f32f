// Package comfyui provides the image-synthesis primitive used by image batch tasks:
// a client for a ComfyUI server and a local placeholder.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ImageSynthesizer renders prompt into an image file at path.
type ImageSynthesizer interface {
	Synthesize(ctx context.Context, prompt, path string) error
}

const (
	DefaultPromptNode = "6"
	DefaultOutputNode = "save_image_websocket_node"

	// Binary frames carry an 8 byte event/format header before the image bytes.
	frameHeaderSize = 8
)

type Config struct {
	// Address is host:port or a full http(s) URL of the ComfyUI server.
	Address    string
	Workflow   []byte
	PromptNode string
	OutputNode string
	Timeout    time.Duration
}

type Client struct {
	base       *url.URL
	workflow   []byte
	promptNode string
	outputNode string
	timeout    time.Duration
	http       *http.Client
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

// LoadWorkflow reads an API-format workflow export.
func LoadWorkflow(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("workflow %s is not valid JSON", path)
	}
	return data, nil
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	addr := cfg.Address
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid comfyui address %q: %w", cfg.Address, err)
	}
	if len(cfg.Workflow) == 0 {
		return nil, errors.New("comfyui workflow is required")
	}
	if cfg.PromptNode == "" {
		cfg.PromptNode = DefaultPromptNode
	}
	if cfg.OutputNode == "" {
		cfg.OutputNode = DefaultOutputNode
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	return &Client{
		base:       base,
		workflow:   cfg.Workflow,
		promptNode: cfg.PromptNode,
		outputNode: cfg.OutputNode,
		timeout:    cfg.Timeout,
		http:       &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
		logger:     logger,
	}, nil
}

type queueRequest struct {
	Prompt   map[string]json.RawMessage `json:"prompt"`
	ClientID string                     `json:"client_id"`
}

type queueResponse struct {
	PromptID string `json:"prompt_id"`
}

type wsMessage struct {
	Type string `json:"type"`
	Data struct {
		Node     *string `json:"node"`
		PromptID string  `json:"prompt_id"`
	} `json:"data"`
}

// Synthesize queues the workflow with prompt substituted, waits on the websocket for the
// output node's image frames and saves the first one to path.
func (c *Client) Synthesize(ctx context.Context, prompt, path string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	clientID := uuid.NewString()

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(clientID), nil)
	if err != nil {
		return fmt.Errorf("connect comfyui websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	promptID, err := c.queue(ctx, prompt, clientID)
	if err != nil {
		return err
	}

	c.logger.Debug("Prompt queued",
		zap.String("prompt_id", promptID),
		zap.String("path", path),
	)

	frame, err := c.collect(conn, promptID)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("wait for comfyui: %w", ctx.Err())
		}
		return err
	}

	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("decode comfyui image: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create image directory: %w", err)
	}
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("save image: %w", err)
	}
	return nil
}

func (c *Client) wsURL(clientID string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String()
}

func (c *Client) queue(ctx context.Context, prompt, clientID string) (string, error) {
	workflow, err := c.render(prompt)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(queueRequest{Prompt: workflow, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt request: %w", err)
	}

	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/prompt"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("queue prompt: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out queueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if out.PromptID == "" {
		return "", errors.New("queue prompt: empty prompt_id")
	}
	return out.PromptID, nil
}

// render returns a fresh copy of the workflow with the prompt node's text replaced.
func (c *Client) render(prompt string) (map[string]json.RawMessage, error) {
	var workflow map[string]json.RawMessage
	if err := json.Unmarshal(c.workflow, &workflow); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}

	raw, ok := workflow[c.promptNode]
	if !ok {
		return nil, fmt.Errorf("workflow has no node %q", c.promptNode)
	}
	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("decode node %q: %w", c.promptNode, err)
	}
	inputs, ok := node["inputs"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("node %q has no inputs", c.promptNode)
	}
	inputs["text"] = prompt

	updated, err := json.Marshal(node)
	if err != nil {
		return nil, err
	}
	workflow[c.promptNode] = updated
	return workflow, nil
}

func (c *Client) collect(conn *websocket.Conn, promptID string) ([]byte, error) {
	var (
		current string
		frames  [][]byte
	)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("read comfyui websocket: %w", err)
		}

		switch kind {
		case websocket.TextMessage:
			var msg wsMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn("Skipping undecodable comfyui message", zap.Error(err))
				continue
			}
			if msg.Type == "execution_error" && msg.Data.PromptID == promptID {
				return nil, fmt.Errorf("comfyui execution failed for prompt %s", promptID)
			}
			if msg.Type != "executing" || msg.Data.PromptID != promptID {
				continue
			}
			if msg.Data.Node == nil {
				if len(frames) == 0 {
					return nil, fmt.Errorf("comfyui finished prompt %s without images", promptID)
				}
				return frames[0], nil
			}
			current = *msg.Data.Node

		case websocket.BinaryMessage:
			if current == c.outputNode && len(data) > frameHeaderSize {
				frames = append(frames, data[frameHeaderSize:])
			}
		}
	}
}
