// Package mqtttest runs an in-process MQTT broker for tests.
package mqtttest

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/require"
)

// Message is a message received by a Recorder.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// StartBroker starts a broker on a free local port and stops it when the
// test ends.
func StartBroker(t *testing.T) (*mqttserver.Server, int) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	server := mqttserver.New(&mqttserver.Options{
		InlineClient: true,
	})
	_ = server.AddHook(new(auth.AllowHook), nil)

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Address: fmt.Sprintf("127.0.0.1:%d", port),
	})
	require.NoError(t, server.AddListener(tcp), "Failed to add TCP listener to MQTT broker")

	go func() {
		if err := server.Serve(); err != nil {
			t.Logf("MQTT broker error: %v", err)
		}
	}()
	t.Cleanup(func() { _ = server.Close() })

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond, "MQTT broker did not start")

	return server, port
}

// Recorder is a client that records every message on its subscriptions.
type Recorder struct {
	client mqtt.Client

	mutex    sync.Mutex
	messages []Message
}

// NewRecorder connects a recording client to the broker on port and
// subscribes to patterns.
func NewRecorder(t *testing.T, port int, patterns ...string) *Recorder {
	t.Helper()

	r := &Recorder{}
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://127.0.0.1:%d", port)).
		SetClientID(fmt.Sprintf("recorder-%d", time.Now().UnixNano())).
		SetConnectTimeout(5 * time.Second)

	r.client = mqtt.NewClient(opts)
	token := r.client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "Failed to connect MQTT recorder")
	require.NoError(t, token.Error())

	for _, pattern := range patterns {
		token := r.client.Subscribe(pattern, 0, r.record)
		require.True(t, token.WaitTimeout(5*time.Second), "Failed to subscribe to %s", pattern)
		require.NoError(t, token.Error())
	}
	t.Cleanup(func() { r.client.Disconnect(100) })
	return r
}

func (r *Recorder) record(_ mqtt.Client, msg mqtt.Message) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.messages = append(r.messages, Message{
		Topic:    msg.Topic(),
		Payload:  append([]byte(nil), msg.Payload()...),
		Retained: msg.Retained(),
	})
}

// Last returns the newest message on topic.
func (r *Recorder) Last(topic string) (Message, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for i := len(r.messages) - 1; i >= 0; i-- {
		if r.messages[i].Topic == topic {
			return r.messages[i], true
		}
	}
	return Message{}, false
}

// WithPrefix returns all messages whose topic starts with prefix.
func (r *Recorder) WithPrefix(prefix string) []Message {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	var out []Message
	for _, msg := range r.messages {
		if strings.HasPrefix(msg.Topic, prefix) {
			out = append(out, msg)
		}
	}
	return out
}

// Publish sends payload to topic.
func (r *Recorder) Publish(t *testing.T, topic, payload string, retain bool) {
	t.Helper()
	token := r.client.Publish(topic, 0, retain, payload)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
}
