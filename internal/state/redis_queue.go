package state

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/iamtxena/trade-nexus-sub001/internal/observability"
)

type RedisQueueConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Timeout  time.Duration
}

// RedisQueue keeps pending runs in a sorted set whose members encode
// priority, enqueue time, and run id so that ZPOPMIN yields the same
// deterministic order the in-memory queue produces.
type RedisQueue struct {
	cfg RedisQueueConfig
}

func NewRedisQueue(cfg RedisQueueConfig) *RedisQueue {
	if cfg.Key == "" {
		cfg.Key = "nexus:runs"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &RedisQueue{cfg: cfg}
}

func (q *RedisQueue) pendingKey() string    { return q.cfg.Key + ":pending" }
func (q *RedisQueue) indexKey() string      { return q.cfg.Key + ":index" }
func (q *RedisQueue) claimsKey() string     { return q.cfg.Key + ":claims" }
func (q *RedisQueue) visibilityKey() string { return q.cfg.Key + ":visibility" }

// priorityBias shifts priorities into a non-negative range so the
// zero-padded encoding sorts lexically for negative values too.
const (
	priorityBias = 1000000
	priorityMin  = -priorityBias
	priorityMax  = 9999999 - priorityBias
)

// encodeQueueItem builds a member that sorts lexically in dispatch order:
// biased zero-padded priority, zero-padded enqueue nanos, run id, tenant.
// The padding must match the memory queue comparator for any priority the
// API accepts, so out-of-range values clamp instead of overflowing a digit.
func encodeQueueItem(item QueueItem) string {
	prio := item.Priority
	if prio < priorityMin {
		prio = priorityMin
	}
	if prio > priorityMax {
		prio = priorityMax
	}
	return fmt.Sprintf("%07d|%020d|%s|%s", prio+priorityBias, item.EnqueuedAt.UnixNano(), item.Ref.RunID, item.Ref.Tenant)
}

func decodeQueueItem(raw string) (QueueItem, bool) {
	parts := strings.SplitN(raw, "|", 4)
	if len(parts) != 4 || parts[2] == "" || parts[3] == "" {
		return QueueItem{}, false
	}
	biased, err := strconv.Atoi(parts[0])
	if err != nil {
		return QueueItem{}, false
	}
	prio := biased - priorityBias
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return QueueItem{}, false
	}
	return QueueItem{
		Ref:        RunRef{Tenant: parts[3], RunID: parts[2]},
		Priority:   prio,
		EnqueuedAt: time.Unix(0, nanos).UTC(),
	}, true
}

func refKey(ref RunRef) string {
	return ref.Tenant + "|" + ref.RunID
}

func (q *RedisQueue) Enqueue(ctx context.Context, item QueueItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	conn, rw, err := q.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	member := encodeQueueItem(item)
	if err := writeRESP(rw, "ZADD", q.pendingKey(), "0", member); err != nil {
		return err
	}
	if _, err := readRESP(rw); err != nil {
		return err
	}
	if err := writeRESP(rw, "HSET", q.indexKey(), refKey(item.Ref), member); err != nil {
		return err
	}
	if _, err := readRESP(rw); err != nil {
		return err
	}
	return q.refreshDepth(rw)
}

func (q *RedisQueue) Claim(ctx context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error) {
	if max <= 0 {
		max = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 15 * time.Second
	}
	conn, rw, err := q.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	now := time.Now().UTC()
	out := make([]QueueClaim, 0, max)
	for i := 0; i < max; i++ {
		if err := writeRESP(rw, "ZPOPMIN", q.pendingKey()); err != nil {
			return nil, err
		}
		resp, err := readRESP(rw)
		if err != nil {
			return nil, err
		}
		pair, err := toStringArray(resp)
		if err != nil {
			return nil, err
		}
		if len(pair) == 0 {
			break
		}
		raw := pair[0]
		item, ok := decodeQueueItem(raw)
		if !ok {
			continue
		}

		receipt := fmt.Sprintf("%s:%d:%d", consumer, time.Now().UnixNano(), i)
		visibleAt := now.Add(visibilityTimeout)
		if err := writeRESP(rw, "HSET", q.claimsKey(), receipt, raw); err != nil {
			return nil, err
		}
		if _, err := readRESP(rw); err != nil {
			return nil, err
		}
		if err := writeRESP(rw, "ZADD", q.visibilityKey(), strconv.FormatInt(visibleAt.UnixMilli(), 10), receipt); err != nil {
			return nil, err
		}
		if _, err := readRESP(rw); err != nil {
			return nil, err
		}

		out = append(out, QueueClaim{
			Item:      item,
			Receipt:   receipt,
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: visibleAt,
		})
	}
	if len(out) > 0 {
		observability.QueueClaimedTotal.WithLabelValues("redis", consumer).Add(float64(len(out)))
	}
	if err := q.refreshDepth(rw); err != nil {
		return nil, err
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, claims []QueueClaim) error {
	if len(claims) == 0 {
		return nil
	}
	conn, rw, err := q.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, c := range claims {
		if err := q.dropClaim(rw, c.Receipt); err != nil {
			return err
		}
		if err := writeRESP(rw, "HDEL", q.indexKey(), refKey(c.Item.Ref)); err != nil {
			return err
		}
		if _, err := readRESP(rw); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, claims []QueueClaim, reason string) error {
	if len(claims) == 0 {
		return nil
	}
	conn, rw, err := q.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	requeued := 0
	for _, c := range claims {
		payload, err := q.getClaimPayload(rw, c.Receipt)
		if err != nil {
			return err
		}
		if payload == "" {
			continue
		}
		if err := writeRESP(rw, "ZADD", q.pendingKey(), "0", payload); err != nil {
			return err
		}
		if _, err := readRESP(rw); err != nil {
			return err
		}
		if err := q.dropClaim(rw, c.Receipt); err != nil {
			return err
		}
		requeued++
	}
	if requeued > 0 {
		observability.QueueNackedTotal.WithLabelValues("redis", reason).Add(float64(requeued))
	}
	return q.refreshDepth(rw)
}

func (q *RedisQueue) Remove(ctx context.Context, ref RunRef) (bool, error) {
	conn, rw, err := q.connect(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if err := writeRESP(rw, "HGET", q.indexKey(), refKey(ref)); err != nil {
		return false, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return false, err
	}
	if resp == nil {
		return false, nil
	}
	member, ok := resp.(string)
	if !ok {
		return false, errors.New("unexpected redis payload type")
	}
	if err := writeRESP(rw, "ZREM", q.pendingKey(), member); err != nil {
		return false, err
	}
	resp, err = readRESP(rw)
	if err != nil {
		return false, err
	}
	removed, err := atoiRESP(resp)
	if err != nil {
		return false, err
	}
	if removed == 0 {
		// Claimed or already gone; leave the index entry for the in-flight owner.
		return false, nil
	}
	if err := writeRESP(rw, "HDEL", q.indexKey(), refKey(ref)); err != nil {
		return false, err
	}
	if _, err := readRESP(rw); err != nil {
		return false, err
	}
	if err := q.refreshDepth(rw); err != nil {
		return false, err
	}
	return true, nil
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	if max <= 0 {
		max = 100
	}
	conn, rw, err := q.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := writeRESP(rw, "ZRANGEBYSCORE", q.visibilityKey(), "-inf", strconv.FormatInt(now.UnixMilli(), 10), "LIMIT", "0", strconv.Itoa(max)); err != nil {
		return 0, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return 0, err
	}
	receipts, err := toStringArray(resp)
	if err != nil {
		return 0, err
	}
	for _, receipt := range receipts {
		payload, err := q.getClaimPayload(rw, receipt)
		if err != nil {
			return 0, err
		}
		if payload != "" {
			if err := writeRESP(rw, "ZADD", q.pendingKey(), "0", payload); err != nil {
				return 0, err
			}
			if _, err := readRESP(rw); err != nil {
				return 0, err
			}
		}
		if err := q.dropClaim(rw, receipt); err != nil {
			return 0, err
		}
	}
	if len(receipts) > 0 {
		observability.QueueExpiredRequeuedTotal.WithLabelValues("redis").Add(float64(len(receipts)))
	}
	if err := q.refreshDepth(rw); err != nil {
		return 0, err
	}
	return len(receipts), nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	conn, rw, err := q.connect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	if err := writeRESP(rw, "ZCARD", q.pendingKey()); err != nil {
		return 0, err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return 0, err
	}
	return atoiRESP(resp)
}

func (q *RedisQueue) refreshDepth(rw *bufio.ReadWriter) error {
	if err := writeRESP(rw, "ZCARD", q.pendingKey()); err != nil {
		return err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return err
	}
	n, err := atoiRESP(resp)
	if err != nil {
		return err
	}
	observability.QueueDepth.WithLabelValues("redis").Set(float64(n))
	return nil
}

func (q *RedisQueue) dropClaim(rw *bufio.ReadWriter, receipt string) error {
	if err := writeRESP(rw, "HDEL", q.claimsKey(), receipt); err != nil {
		return err
	}
	if _, err := readRESP(rw); err != nil {
		return err
	}
	if err := writeRESP(rw, "ZREM", q.visibilityKey(), receipt); err != nil {
		return err
	}
	_, err := readRESP(rw)
	return err
}

func (q *RedisQueue) getClaimPayload(rw *bufio.ReadWriter, receipt string) (string, error) {
	if err := writeRESP(rw, "HGET", q.claimsKey(), receipt); err != nil {
		return "", err
	}
	resp, err := readRESP(rw)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", nil
	}
	s, ok := resp.(string)
	if !ok {
		return "", errors.New("unexpected redis payload type")
	}
	return s, nil
}

func (q *RedisQueue) connect(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	dialer := net.Dialer{Timeout: q.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", q.cfg.Addr)
	if err != nil {
		return nil, nil, err
	}
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if q.cfg.Password != "" {
		if err := writeRESP(rw, "AUTH", q.cfg.Password); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	if q.cfg.DB > 0 {
		if err := writeRESP(rw, "SELECT", strconv.Itoa(q.cfg.DB)); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if _, err := readRESP(rw); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
	}
	return conn, rw, nil
}

func writeRESP(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func readRESP(rw *bufio.ReadWriter) (any, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v, err := readRESP(rw)
			if err != nil {
				return nil, err
			}
			if v == nil {
				arr = append(arr, "")
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("unexpected redis array element")
			}
			arr = append(arr, s)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}

func toStringArray(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]string)
	if !ok {
		return nil, errors.New("unexpected redis array response type")
	}
	return arr, nil
}

func atoiRESP(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected redis integer response type")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
