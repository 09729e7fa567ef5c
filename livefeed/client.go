// Package livefeed receives live trace packets from an MQTT broker and
// applies them to the span buffers, the catalog and the archive writer.
//
// Topic layout: one topic filter (for example "waveserver/live/#") carries
// JSON packets {"ch","t","sr","d"}; see DecodePacket.
//
// Features:
//   - MQTT auto-reconnect with a one-minute ceiling and resubscribe on connect
//   - Buffered packet channel with non-blocking sends and throttled drop logs
package livefeed

import (
	"fmt"
	"log"
	"sync"
	"time"

	"waveserver/internal/ratelimit"

	"github.com/dustin/go-humanize"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const defaultBuffer = 4096

// Options configures a Client.
type Options struct {
	Broker   string
	Port     int
	Topic    string
	ClientID string
	QoS      byte
	Buffer   int
}

// Client subscribes to the live topic and publishes decoded packets on
// Packets(). The paho library runs the message handler on its own
// goroutines; sends never block it.
type Client struct {
	opts     Options
	client   mqtt.Client
	packets  chan Packet
	dropLog  *ratelimit.Counter
	badLog   *ratelimit.Counter
	stopOnce sync.Once
}

// NewClient returns an unconnected client.
func NewClient(opts Options) *Client {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("waveserver-%d", time.Now().Unix())
	}
	if opts.QoS > 2 {
		opts.QoS = 0
	}
	return &Client{
		opts:    opts,
		packets: make(chan Packet, opts.Buffer),
		dropLog: ratelimit.NewCounter(30 * time.Second),
		badLog:  ratelimit.NewCounter(30 * time.Second),
	}
}

// Connect dials the broker; subscription happens in the connect handler so
// it is renewed after every reconnect.
func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions()
	brokerURL := fmt.Sprintf("tcp://%s:%d", c.opts.Broker, c.opts.Port)
	opts.AddBroker(brokerURL)
	opts.SetClientID(c.opts.ClientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	log.Printf("livefeed: connecting to %s", brokerURL)
	token := c.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("livefeed: connect %s: %w", brokerURL, token.Error())
	}
	return nil
}

func (c *Client) onConnect(client mqtt.Client) {
	log.Printf("livefeed: connected, subscribing to %s (qos %d)", c.opts.Topic, c.opts.QoS)
	token := client.Subscribe(c.opts.Topic, c.opts.QoS, c.messageHandler)
	if token.Wait() && token.Error() != nil {
		log.Printf("livefeed: subscribe %s: %v", c.opts.Topic, token.Error())
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	log.Printf("livefeed: connection lost: %v; reconnecting", err)
}

func (c *Client) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	c.handlePayload(msg.Topic(), msg.Payload())
}

func (c *Client) handlePayload(topic string, payload []byte) {
	p, err := DecodePacket(payload)
	if err != nil {
		if _, suppressed, ok := c.badLog.Inc(); ok {
			log.Printf("livefeed: %s: %v (suppressed=%d)", topic, err, suppressed)
		}
		return
	}
	select {
	case c.packets <- p:
	default:
		if total, suppressed, ok := c.dropLog.Inc(); ok {
			log.Printf("livefeed: packet buffer full, dropped %s (drops=%s suppressed=%d)", p.Channel, humanize.Comma(int64(total)), suppressed)
		}
	}
}

// Packets returns the decoded packet stream. It is never closed.
func (c *Client) Packets() <-chan Packet {
	return c.packets
}

// Dropped returns packets lost to a full buffer.
func (c *Client) Dropped() uint64 {
	return c.dropLog.Total()
}

// Rejected returns packets that failed to decode.
func (c *Client) Rejected() uint64 {
	return c.badLog.Total()
}

// IsConnected reports the broker connection state.
func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

// Stop unsubscribes and disconnects.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		if c.client != nil && c.client.IsConnected() {
			c.client.Unsubscribe(c.opts.Topic).WaitTimeout(time.Second)
			c.client.Disconnect(250)
		}
		log.Printf("livefeed: stopped")
	})
}
