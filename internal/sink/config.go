package sink

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jsonlerrors "github.com/gxo-labs/jsonl/pkg/jsonl/v1/errors"
)

// Backpressure selects what Enqueue does when the buffer is full.
type Backpressure string

const (
	// Block waits up to BlockTimeout for space, then drops the new record.
	Block Backpressure = "block"
	// DropOldest evicts the oldest buffered record to make room.
	DropOldest Backpressure = "drop_oldest"
)

// ParseBackpressure validates a policy name. The empty string selects Block.
func ParseBackpressure(s string) (Backpressure, error) {
	switch p := Backpressure(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Block, nil
	case Block, DropOldest:
		return p, nil
	default:
		return "", jsonlerrors.NewConfigError(fmt.Sprintf("unknown backpressure policy '%s' (want block or drop_oldest)", s), nil)
	}
}

// Defaults applied to zero Config fields.
const (
	DefaultCapacity        = 1024
	DefaultBlockTimeout    = 5 * time.Second
	DefaultDrainTimeout    = 10 * time.Second
	DefaultStopGrace       = time.Second
	DefaultWriteAttempts   = 1
	DefaultWriteRetryDelay = 10 * time.Millisecond
)

// Config configures a Sink. Zero values select the defaults above.
type Config struct {
	// Capacity is the maximum number of buffered records.
	Capacity int
	Policy   Backpressure
	// BlockTimeout bounds how long Enqueue waits under the Block policy.
	BlockTimeout time.Duration
	// DrainTimeout bounds how long Close waits for buffered records.
	DrainTimeout time.Duration
	// StopGrace bounds how long an aborted writer may take to finish the
	// record it is writing before it is detached.
	StopGrace time.Duration
	// WriteAttempts is the number of tries per record before the sink degrades.
	WriteAttempts   int
	WriteRetryDelay time.Duration
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.Policy == "" {
		c.Policy = Block
	}
	if c.BlockTimeout == 0 {
		c.BlockTimeout = DefaultBlockTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.StopGrace == 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.WriteAttempts == 0 {
		c.WriteAttempts = DefaultWriteAttempts
	}
	if c.WriteRetryDelay == 0 {
		c.WriteRetryDelay = DefaultWriteRetryDelay
	}
	return c
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Capacity < 0 {
		errs = append(errs, fmt.Errorf("buffer capacity must be > 0, got %d", c.Capacity))
	}
	if _, err := ParseBackpressure(string(c.Policy)); err != nil {
		errs = append(errs, err)
	}
	if c.BlockTimeout < 0 {
		errs = append(errs, fmt.Errorf("block timeout must not be negative, got %v", c.BlockTimeout))
	}
	if c.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("drain timeout must not be negative, got %v", c.DrainTimeout))
	}
	if c.StopGrace < 0 {
		errs = append(errs, fmt.Errorf("stop grace must not be negative, got %v", c.StopGrace))
	}
	if c.WriteAttempts < 0 {
		errs = append(errs, fmt.Errorf("write attempts must not be negative, got %d", c.WriteAttempts))
	}
	if c.WriteRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("write retry delay must not be negative, got %v", c.WriteRetryDelay))
	}
	if len(errs) == 0 {
		return nil
	}
	return jsonlerrors.NewConfigError("invalid sink configuration", errors.Join(errs...))
}
