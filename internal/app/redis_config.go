package app

import (
	"crypto/tls"

	"github.com/redis/go-redis/v9"
)

// ClientOptions converts RedisConfig to go-redis client options.
func (c RedisConfig) ClientOptions() *redis.Options {
	opts := &redis.Options{
		Addr:         c.Address,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.Timeout,
		ReadTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
	}
	if c.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}
