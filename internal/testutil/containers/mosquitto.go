//go:build integration

//nolint:misspell // Mosquitto is the official Eclipse project name
package containers

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const mosquittoConf = `listener 1883
allow_anonymous true
`

// MosquittoContainer wraps an Eclipse Mosquitto broker that accepts
// anonymous clients.
type MosquittoContainer struct {
	container  testcontainers.Container
	brokerURL  string
	configFile string
}

// NewMosquittoContainer starts a broker with the given image tag ("2.0" when empty).
func NewMosquittoContainer(ctx context.Context, imageTag string) (*MosquittoContainer, error) {
	if imageTag == "" {
		imageTag = "2.0"
	}

	configFile, err := writeTempFile("mosquitto-*.conf", mosquittoConf)
	if err != nil {
		return nil, fmt.Errorf("failed to create mosquitto config: %w", err)
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:" + imageTag,
			ExposedPorts: []string{"1883/tcp"},
			Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
			Files: []testcontainers.ContainerFile{{
				HostFilePath:      configFile,
				ContainerFilePath: "/mosquitto-no-auth.conf",
				FileMode:          0o644,
			}},
			WaitingFor: wait.ForLog("mosquitto version").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		_ = os.Remove(configFile)
		return nil, fmt.Errorf("failed to start Mosquitto container: %w", err)
	}

	mc := &MosquittoContainer{container: container, configFile: configFile}
	host, err := container.Host(ctx)
	if err != nil {
		_ = mc.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "1883")
	if err != nil {
		_ = mc.Terminate(context.Background())
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}
	mc.brokerURL = "tcp://" + net.JoinHostPort(host, strconv.Itoa(port.Int()))
	return mc, nil
}

// BrokerURL returns the broker address, e.g. "tcp://localhost:32771".
func (c *MosquittoContainer) BrokerURL() string {
	return c.brokerURL
}

// Subscribe connects a client and delivers every message on topic to the
// returned channel. The client is disconnected when ctx ends.
func (c *MosquittoContainer) Subscribe(ctx context.Context, topic string) (<-chan mqtt.Message, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(c.brokerURL).
		SetClientID(fmt.Sprintf("folio-test-%d", time.Now().UnixNano())).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return nil, fmt.Errorf("failed to connect subscriber: %v", token.Error())
	}

	messages := make(chan mqtt.Message, 16)
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case messages <- msg:
		default:
		}
	})
	if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("failed to subscribe to %s: %v", topic, token.Error())
	}

	go func() {
		<-ctx.Done()
		client.Disconnect(250)
	}()
	return messages, nil
}

// Terminate removes the container and its config file.
func (c *MosquittoContainer) Terminate(ctx context.Context) error {
	var err error
	if c.container != nil {
		if termErr := c.container.Terminate(ctx); termErr != nil {
			err = fmt.Errorf("failed to terminate container: %w", termErr)
		}
	}
	if c.configFile != "" {
		_ = os.Remove(c.configFile)
	}
	return err
}

func writeTempFile(pattern, content string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
