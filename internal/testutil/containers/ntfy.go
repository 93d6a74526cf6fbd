//go:build integration

package containers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NtfyContainer wraps an ntfy push server with anonymous access.
type NtfyContainer struct {
	container testcontainers.Container
	host      string
	port      int
}

// NtfyMessage is one message read back from a topic.
type NtfyMessage struct {
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// NewNtfyContainer starts ntfy with the given image tag ("latest" when empty).
func NewNtfyContainer(ctx context.Context, imageTag string) (*NtfyContainer, error) {
	if imageTag == "" {
		imageTag = "latest"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "binwiederhier/ntfy:" + imageTag,
			ExposedPorts: []string{"80/tcp"},
			Cmd:          []string{"serve", "--cache-file=/tmp/ntfy/cache.db"},
			Tmpfs:        map[string]string{"/tmp/ntfy": "rw"},
			WaitingFor: wait.ForHTTP("/v1/health").
				WithPort("80/tcp").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start ntfy container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "80")
	if err != nil {
		_ = container.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}
	return &NtfyContainer{container: container, host: host, port: port.Int()}, nil
}

// HostPort returns host:port of the server.
func (c *NtfyContainer) HostPort() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// ShoutrrrURL returns a shoutrrr URL that publishes to topic over plain HTTP.
func (c *NtfyContainer) ShoutrrrURL(topic string) string {
	return fmt.Sprintf("ntfy://%s/%s?scheme=http", c.HostPort(), topic)
}

// PollMessages returns the cached messages of topic.
func (c *NtfyContainer) PollMessages(ctx context.Context, topic string) ([]NtfyMessage, error) {
	url := fmt.Sprintf("http://%s/%s/json?poll=1", c.HostPort(), topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to poll messages: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll request failed with status %d: %s", resp.StatusCode, body)
	}

	// one JSON object per line
	var messages []NtfyMessage
	for line := range strings.SplitSeq(strings.TrimSpace(string(body)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var msg NtfyMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("failed to parse message JSON: %w", err)
		}
		if msg.Message == "" {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Terminate removes the container.
func (c *NtfyContainer) Terminate(ctx context.Context) error {
	if c.container != nil {
		if err := c.container.Terminate(ctx); err != nil {
			return fmt.Errorf("failed to terminate container: %w", err)
		}
	}
	return nil
}
