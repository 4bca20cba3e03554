package persist

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// RedisStore keeps records as plain string keys under a namespace and tracks
// write times in a sorted set so maintenance can order entries by age.
type RedisStore struct {
	client valkey.Client
	prefix string
	index  string
}

// NewRedisStore connects to a valkey/redis server and verifies it with PING.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("persist: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("persist: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("persist: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("persist: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("persist: redis ping: %w", err)
	}

	ns := strings.TrimSpace(cfg.Namespace)
	if ns == "" {
		ns = "placeclient"
	}
	return &RedisStore{client: client, prefix: ns + ":rec:", index: ns + ":index"}, nil
}

func (s *RedisStore) key(name string) string { return s.prefix + name }

func (s *RedisStore) Read(ctx context.Context, name string) ([]byte, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.key(name)).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("persist: redis get: %w", err)
	}
	data, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("persist: redis get bytes: %w", err)
	}
	return data, nil
}

func (s *RedisStore) Write(ctx context.Context, name string, data []byte) error {
	score := float64(time.Now().UnixMilli())
	cmds := valkey.Commands{
		s.client.B().Set().Key(s.key(name)).Value(valkey.BinaryString(data)).Build(),
		s.client.B().Zadd().Key(s.index).ScoreMember().ScoreMember(score, name).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("persist: redis write: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, name string) error {
	cmds := valkey.Commands{
		s.client.B().Del().Key(s.key(name)).Build(),
		s.client.B().Zrem().Key(s.index).Member(name).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("persist: redis remove: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]RecordInfo, error) {
	scores, err := s.client.Do(ctx, s.client.B().Zrange().Key(s.index).Min("0").Max("-1").Withscores().Build()).AsZScores()
	if err != nil {
		return nil, fmt.Errorf("persist: redis index: %w", err)
	}
	if len(scores) == 0 {
		return nil, nil
	}

	cmds := make(valkey.Commands, 0, len(scores))
	for _, entry := range scores {
		cmds = append(cmds, s.client.B().Strlen().Key(s.key(entry.Member)).Build())
	}
	out := make([]RecordInfo, 0, len(scores))
	var stale []string
	for i, resp := range s.client.DoMulti(ctx, cmds...) {
		size, err := resp.AsInt64()
		if err != nil {
			return nil, fmt.Errorf("persist: redis strlen: %w", err)
		}
		member := scores[i].Member
		if size == 0 {
			// Index entry outlived its record (evicted by the server or deleted externally).
			stale = append(stale, member)
			continue
		}
		out = append(out, RecordInfo{
			Name:    member,
			Size:    size,
			ModTime: time.UnixMilli(int64(scores[i].Score)),
		})
	}
	if len(stale) > 0 {
		_ = s.client.Do(ctx, s.client.B().Zrem().Key(s.index).Member(stale...).Build()).Error()
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	s.client.Close()
	return nil
}
