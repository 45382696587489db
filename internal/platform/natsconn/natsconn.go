// Package natsconn opens the NATS connection the sync service uses to
// drain its outbox and emit analytics events. The connection fails fast
// at startup; once up it reconnects according to Options.
package natsconn

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	defaultURL           = "nats://nats:4222"
	defaultMaxReconnects = 5
	defaultReconnectWait = 2 * time.Second
)

// Options configures the connection. Zero values are filled from
// NATS_URL, NATS_MAX_RECONNECTS and NATS_RECONNECT_WAIT, then from
// built-in defaults. A negative MaxReconnects means reconnect forever.
type Options struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	// Logger receives disconnect and reconnect notices. Nil disables them.
	Logger *zap.Logger
}

func (o Options) resolve() Options {
	if o.URL == "" {
		o.URL = strings.TrimSpace(os.Getenv("NATS_URL"))
		if o.URL == "" {
			o.URL = defaultURL
		}
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = envInt("NATS_MAX_RECONNECTS", defaultMaxReconnects)
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = envDuration("NATS_RECONNECT_WAIT", defaultReconnectWait)
	}
	return o
}

func (o Options) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(o.MaxReconnects),
		nats.ReconnectWait(o.ReconnectWait),
		nats.RetryOnFailedConnect(false),
	}
	if o.Name != "" {
		opts = append(opts, nats.Name(o.Name))
	}
	if log := o.Logger; log != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn("nats disconnected", zap.String("url", nc.ConnectedUrlRedacted()), zap.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("nats reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
			}),
			nats.ClosedHandler(func(*nats.Conn) {
				log.Info("nats connection closed")
			}),
		)
	}
	return opts
}

// Connect dials NATS once and returns an error if the server is not
// reachable, so callers can decide to run without events.
func Connect(opts Options) (*nats.Conn, error) {
	opts = opts.resolve()
	nc, err := nats.Connect(opts.URL, opts.natsOptions()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s (max_reconnects=%d, wait=%s): %w",
			opts.URL, opts.MaxReconnects, opts.ReconnectWait, err)
	}
	return nc, nil
}

// envInt accepts any integer, including -1 for unlimited reconnects.
func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
