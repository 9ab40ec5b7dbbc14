package broker

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryCount returns how many times a message has been delivered before
// on queue, from x-delivery-count (quorum queues) or the x-death entry that
// records rejections from queue. Hops through other queues, such as the
// expiry of a retry queue, are not deliveries and are ignored. An empty queue
// counts rejections from any queue.
// Values that cannot be read as integers count as zero so a malformed header
// never dead-letters a message early.
func DeliveryCount(headers map[string]interface{}, queue string) int64 {
	if headers == nil {
		return 0
	}

	if v, ok := headers["x-delivery-count"]; ok {
		n, _ := intArg(v)
		if n < 0 {
			return 0
		}
		return n
	}

	deaths, ok := headers["x-death"].([]interface{})
	if !ok {
		return 0
	}

	var total int64
	for _, d := range deaths {
		entry, ok := asTable(d)
		if !ok {
			continue
		}
		if reason, _ := entry["reason"].(string); reason != "rejected" {
			continue
		}
		if q, _ := entry["queue"].(string); queue != "" && q != queue {
			continue
		}
		if n, ok := intArg(entry["count"]); ok && n > 0 {
			total += n
		}
	}
	return total
}

// DeadLetterArgs returns queue arguments routing rejected or expired messages
// to exchange. An empty routingKey keeps the original key.
func DeadLetterArgs(exchange, routingKey string) map[string]interface{} {
	args := map[string]interface{}{"x-dead-letter-exchange": exchange}
	if routingKey != "" {
		args["x-dead-letter-routing-key"] = routingKey
	}
	return args
}

// RetryTopology describes a delayed-retry loop around a work queue.
//
// Rejected messages on Queue dead-letter to RetryExchange, wait Delay in
// RetryQueue, and dead-letter back to Exchange with their original routing key.
// At the retry limit the consumer publishes to DeadLetterExchange, bound to DeadQueue.
type RetryTopology struct {
	Exchange           string
	Queue              string
	RetryExchange      string
	RetryQueue         string
	DeadLetterExchange string
	DeadQueue          string
	Delay              time.Duration
}

// QueueArgs returns the arguments for the work queue.
func (t RetryTopology) QueueArgs() map[string]interface{} {
	if t.RetryExchange == "" {
		return nil
	}
	return DeadLetterArgs(t.RetryExchange, "")
}

// Declare creates the retry and dead-letter exchanges and queues on ch.
// The work queue itself is declared by the consumer.
func (t RetryTopology) Declare(ch Channel) error {
	if t.RetryExchange != "" {
		if err := ch.DeclareExchange(t.RetryExchange, ExchangeTopic); err != nil {
			return err
		}
		args := DeadLetterArgs(t.Exchange, "")
		args["x-message-ttl"] = t.Delay.Milliseconds()
		if err := ch.DeclareQueue(t.RetryQueue, args); err != nil {
			return err
		}
		if err := ch.Bind(t.RetryQueue, "#", t.RetryExchange); err != nil {
			return err
		}
	}

	if t.DeadLetterExchange != "" {
		if err := ch.DeclareExchange(t.DeadLetterExchange, ExchangeTopic); err != nil {
			return err
		}
		if err := ch.DeclareQueue(t.DeadQueue, nil); err != nil {
			return err
		}
		if err := ch.Bind(t.DeadQueue, "#", t.DeadLetterExchange); err != nil {
			return err
		}
	}

	return nil
}

func asTable(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case amqp.Table:
		return t, true
	case map[string]interface{}:
		return t, true
	default:
		return nil, false
	}
}

func intArg(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		return parsed, err == nil
	case []byte:
		parsed, err := strconv.ParseInt(string(n), 10, 64)
		return parsed, err == nil
	case fmt.Stringer:
		parsed, err := strconv.ParseInt(n.String(), 10, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
